package download

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudgallery/medialib/internal/store"
)

// fakeDownloader records batch submissions and lets tests drive callbacks.
type fakeDownloader struct {
	mu        sync.Mutex
	batches   [][]string
	cancelled []string
	startErr  error
}

func (d *fakeDownloader) StartBatch(_ context.Context, batchID string, paths []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.batches = append(d.batches, paths)
	return nil
}

func (d *fakeDownloader) CancelBatch(_ context.Context, batchID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, batchID)
	return nil
}

func (d *fakeDownloader) lastBatch() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.batches) == 0 {
		return nil
	}
	return d.batches[len(d.batches)-1]
}

func (d *fakeDownloader) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

// fakePrecond returns a fixed pause cause.
type fakePrecond struct {
	cause PauseCause
}

func (p *fakePrecond) Check(context.Context) PauseCause { return p.cause }

func testManager(t *testing.T, cloudAssets int, precond Preconditions) (*Manager, *fakeDownloader, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))

	for i := 0; i < cloudAssets; i++ {
		_, err := db.InsertAsset(context.Background(), &store.Asset{
			Data:     fmt.Sprintf("/cloud/IMG_%03d.jpg", i),
			CloudID:  fmt.Sprintf("c%03d", i),
			Size:     100,
			Position: store.PositionCloud,
		})
		require.NoError(t, err)
	}

	dl := &fakeDownloader{}
	return NewManager(db, dl, precond, zerolog.Nop()), dl, db
}

func TestStartDownloadTask_InitializesAndSubmits(t *testing.T) {
	m, dl, _ := testManager(t, 5, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))

	status, cause := m.Status()
	assert.Equal(t, StatusForceDownloading, status)
	assert.Equal(t, PauseNone, cause)
	assert.Len(t, dl.lastBatch(), 5)
	assert.Equal(t, "1,5,0,500,0,0", m.StatusString())
}

func TestStartDownloadTask_InvalidType(t *testing.T) {
	m, _, _ := testManager(t, 0, nil)

	err := m.StartDownloadTask(context.Background(), Type(9))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestStartDownloadTask_SameTypeIsNoOp(t *testing.T) {
	m, dl, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))

	assert.Equal(t, 1, dl.batchCount(), "re-request must not resubmit")
}

func TestStartDownloadTask_GentleWhileForcePauses(t *testing.T) {
	m, dl, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	require.NoError(t, m.StartDownloadTask(ctx, TypeGentle))

	status, cause := m.Status()
	assert.Equal(t, StatusPaused, status)
	assert.Equal(t, PauseBackgroundTaskUnavailable, cause)
	assert.Len(t, dl.cancelled, 1, "in-flight batch must be cancelled on pause")
}

func TestStartDownloadTask_ForceWhileGentleConflicts(t *testing.T) {
	m, _, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeGentle))
	err := m.StartDownloadTask(ctx, TypeForce)
	assert.ErrorIs(t, err, ErrTaskConflict)

	status, _ := m.Status()
	assert.Equal(t, StatusGentleDownloading, status, "gentle task must keep running")
}

func TestStartDownloadTask_EmptyCandidateSetGoesIdle(t *testing.T) {
	m, dl, _ := testManager(t, 0, nil)

	require.NoError(t, m.StartDownloadTask(context.Background(), TypeForce))

	status, _ := m.Status()
	assert.Equal(t, StatusIdle, status)
	assert.Zero(t, dl.batchCount())
}

func TestPauseAndManualRecover(t *testing.T) {
	m, dl, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	require.NoError(t, m.PauseDownloadTask(ctx, PauseWifiUnavailable))

	status, cause := m.Status()
	assert.Equal(t, StatusPaused, status)
	assert.Equal(t, PauseWifiUnavailable, cause)

	require.NoError(t, m.ManualActiveRecoverTask(ctx, TypeForce))

	status, cause = m.Status()
	assert.Equal(t, StatusForceDownloading, status)
	assert.Equal(t, PauseNone, cause)
	assert.Equal(t, 2, dl.batchCount(), "resume must resubmit the cached files")
	assert.Len(t, dl.lastBatch(), 3)
}

func TestManualRecover_PreconditionsStillFailing(t *testing.T) {
	precond := &fakePrecond{cause: PauseNone}
	m, _, _ := testManager(t, 3, precond)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	require.NoError(t, m.PauseDownloadTask(ctx, PauseWifiUnavailable))

	// Conditions changed while paused: recovery re-pauses with the new cause
	// instead of downloading.
	precond.cause = PauseTemperatureLimit
	require.NoError(t, m.ManualActiveRecoverTask(ctx, TypeForce))

	status, cause := m.Status()
	assert.Equal(t, StatusPaused, status)
	assert.Equal(t, PauseTemperatureLimit, cause)
}

func TestPassiveRecover_MatchingCause(t *testing.T) {
	m, _, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeGentle))
	require.NoError(t, m.PauseDownloadTask(ctx, PauseWifiUnavailable))

	require.NoError(t, m.PassiveStatusRecoverTask(ctx, RecoverNetworkNormal))

	status, _ := m.Status()
	assert.Equal(t, StatusGentleDownloading, status, "resume must restore the original type")
}

func TestPassiveRecover_MismatchedCauseIsNoOp(t *testing.T) {
	m, _, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	require.NoError(t, m.PauseDownloadTask(ctx, PauseTemperatureLimit))

	require.NoError(t, m.PassiveStatusRecoverTask(ctx, RecoverNetworkNormal))

	status, cause := m.Status()
	assert.Equal(t, StatusPaused, status)
	assert.Equal(t, PauseTemperatureLimit, cause)
}

func TestPassiveRecover_UserPauseNeedsManual(t *testing.T) {
	m, _, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	require.NoError(t, m.PauseDownloadTask(ctx, PauseUserPaused))

	for _, cause := range []RecoveryCause{
		RecoverNetworkNormal, RecoverTemperatureNormal, RecoverStorageNormal,
		RecoverPowerNormal, RecoverBackgroundTaskAvailable, RecoverCloudNormal,
	} {
		require.NoError(t, m.PassiveStatusRecoverTask(ctx, cause))
		status, _ := m.Status()
		assert.Equal(t, StatusPaused, status, "cause %d must not clear a user pause", cause)
	}

	require.NoError(t, m.ManualActiveRecoverTask(ctx, TypeForce))
	status, _ := m.Status()
	assert.Equal(t, StatusForceDownloading, status)
}

func TestCancelDownloadTask_ResetsToFirstCallSemantics(t *testing.T) {
	m, dl, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	m.HandleSuccessCallback(ctx, dl.lastBatch()[0])

	require.NoError(t, m.CancelDownloadTask(ctx))

	status, cause := m.Status()
	assert.Equal(t, StatusIdle, status)
	assert.Equal(t, PauseNone, cause)
	assert.Equal(t, "0,0,0,0,0,0", m.StatusString(), "cancel must zero all counters")

	// Cancel while paused, and cancel while idle, are both legal.
	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	require.NoError(t, m.PauseDownloadTask(ctx, PauseCloudError))
	require.NoError(t, m.CancelDownloadTask(ctx))
	require.NoError(t, m.CancelDownloadTask(ctx))

	// A fresh start behaves like a first-ever call; the asset downloaded
	// before the cancel is no longer a candidate.
	require.NoError(t, m.StartDownloadTask(ctx, TypeGentle))
	assert.Len(t, dl.lastBatch(), 2)
}

func TestCallbacks_DriveBatchesToCompletion(t *testing.T) {
	// 150 candidates: two batches of 100 and 50.
	m, dl, db := testManager(t, 150, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	first := dl.lastBatch()
	require.Len(t, first, 100)

	for _, p := range first {
		m.HandleSuccessCallback(ctx, p)
	}

	second := dl.lastBatch()
	require.Len(t, second, 50)
	for _, p := range second {
		m.HandleSuccessCallback(ctx, p)
	}

	status, _ := m.Status()
	assert.Equal(t, StatusIdle, status, "task must auto-complete")

	// Every downloaded asset is now locally resident.
	n, err := db.CountAssetsByPosition(ctx, store.PositionBoth)
	require.NoError(t, err)
	assert.Equal(t, int64(150), n)
}

func TestCallbacks_FailedGoesToCacheStoppedDropped(t *testing.T) {
	m, dl, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	batch := dl.lastBatch()
	require.Len(t, batch, 3)

	m.HandleFailedCallback(ctx, batch[0])  // retryable
	m.HandleStoppedCallback(ctx, batch[1]) // missing in cloud
	m.HandleSuccessCallback(ctx, batch[2])

	// Batch drained with a retryable failure left: the task pauses for
	// recovery instead of dropping it.
	status, cause := m.Status()
	assert.Equal(t, StatusPaused, status)
	assert.Equal(t, PauseCloudError, cause)
	assert.Equal(t, 1, dl.batchCount())

	// Recovery resubmits only the failed file; not-found files never retry.
	require.NoError(t, m.PassiveStatusRecoverTask(ctx, RecoverCloudNormal))
	assert.Equal(t, 2, dl.batchCount())
	assert.Equal(t, []string{batch[0]}, dl.lastBatch())

	m.HandleSuccessCallback(ctx, batch[0])
	status, _ = m.Status()
	assert.Equal(t, StatusIdle, status)
	assert.Equal(t, 2, dl.batchCount())
}

func TestCallbacks_UnknownPathIgnored(t *testing.T) {
	m, _, _ := testManager(t, 2, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeForce))
	m.HandleSuccessCallback(ctx, "/cloud/unknown.jpg")

	assert.Equal(t, "1,2,0,200,0,0", m.StatusString())
}

func TestPauseDownloadTask_IdleIsNoOp(t *testing.T) {
	m, _, _ := testManager(t, 0, nil)

	require.NoError(t, m.PauseDownloadTask(context.Background(), PausePowerLimit))
	status, cause := m.Status()
	assert.Equal(t, StatusIdle, status)
	assert.Equal(t, PauseNone, cause)
}

func TestRecover_IdleIsNoOp(t *testing.T) {
	m, _, _ := testManager(t, 2, nil)
	ctx := context.Background()

	require.NoError(t, m.ManualActiveRecoverTask(ctx, TypeForce))
	require.NoError(t, m.PassiveStatusRecoverTask(ctx, RecoverNetworkNormal))

	status, _ := m.Status()
	assert.Equal(t, StatusIdle, status)
}

func TestStatusString_TracksProgress(t *testing.T) {
	m, dl, _ := testManager(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, m.StartDownloadTask(ctx, TypeGentle))
	assert.Equal(t, "2,3,0,300,0,0", m.StatusString())

	m.HandleSuccessCallback(ctx, dl.lastBatch()[0])
	assert.Equal(t, "2,3,1,300,100,0", m.StatusString())

	require.NoError(t, m.PauseDownloadTask(ctx, PauseRomLimit))
	assert.Equal(t, "3,3,1,300,100,2", m.StatusString())
}
