// Package download implements the cloud asset download state machine.
//
// A Manager governs bulk "retain local copies of cloud-only assets"
// download activity: running (force or gentle), paused for one of the
// enumerated causes, or idle. It drives batch submission to the external
// download subsystem and tracks per-file progress in three buckets:
// in-flight, cached-for-resume, and not-found.
//
// The task is in-memory only. A process restart finds the manager idle and
// a caller must re-request the download.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudgallery/medialib/internal/store"
)

const (
	// queryPageSize bounds candidate queries so initialization never holds
	// an unbounded result set.
	queryPageSize = 500
	// batchSize is the number of files submitted to the download subsystem
	// per batch.
	batchSize = 100
)

// ErrInvalidType reports an out-of-range download type.
var ErrInvalidType = errors.New("invalid download type")

// ErrTaskConflict reports a force request while a gentle task is active.
var ErrTaskConflict = errors.New("download task already active")

// Downloader is the external download subsystem boundary.
type Downloader interface {
	// StartBatch begins downloading the given asset paths. Completion is
	// reported per file through the manager's Handle*Callback methods.
	StartBatch(ctx context.Context, batchID string, paths []string) error
	// CancelBatch stops an in-flight batch. Idempotent.
	CancelBatch(ctx context.Context, batchID string) error
}

// Preconditions re-validates system limits before a download resumes.
// A zero implementation (nil) always passes.
type Preconditions interface {
	// Check returns the pause cause that currently blocks downloading,
	// or PauseNone when downloading may proceed.
	Check(ctx context.Context) PauseCause
}

// fileInfo tracks one candidate file through the task.
type fileInfo struct {
	fileID int64
	path   string
	size   int64
}

// Manager is the download state machine. All transitions and bucket moves
// are guarded by one mutex, so a subsystem callback arriving concurrently
// with a pause or cancel request stays consistent.
type Manager struct {
	mu sync.Mutex

	db         *store.DB
	downloader Downloader
	precond    Preconditions
	log        zerolog.Logger

	status     Status
	activeType Type
	pauseCause PauseCause

	batchID     string
	ready       []fileInfo          // queued for submission
	downloading map[string]fileInfo // in-flight batch, keyed by path
	cache       map[string]fileInfo // paused leftovers, resumable
	notFound    map[string]fileInfo // reported missing by the subsystem

	totalCount      int64
	totalSize       int64
	downloadedCount int64
	downloadedSize  int64

	deleteState deleteState
}

// NewManager creates an idle download manager. precond may be nil.
func NewManager(db *store.DB, dl Downloader, precond Preconditions, logger zerolog.Logger) *Manager {
	return &Manager{
		db:          db,
		downloader:  dl,
		precond:     precond,
		log:         logger,
		status:      StatusIdle,
		downloading: make(map[string]fileInfo),
		cache:       make(map[string]fileInfo),
		notFound:    make(map[string]fileInfo),
	}
}

// StartDownloadTask begins a new download task.
//
// From idle the task is initialized (cloud-only candidates are queried,
// totals computed) and the first batch submitted. A force request while a
// gentle task runs is rejected with ErrTaskConflict. A gentle request while
// a force task runs pauses the task with PauseBackgroundTaskUnavailable
// instead of downgrading it; gentle never silently escalates or replaces
// force. Re-requesting the active type is a benign no-op. Starting while
// paused is rejected; use a recover call.
func (m *Manager) StartDownloadTask(ctx context.Context, typ Type) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, typ)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case StatusIdle:
		if err := m.initTaskLocked(ctx); err != nil {
			return err
		}
		m.activeType = typ
		m.status = typ.status()
		m.log.Info().Str("type", m.status.String()).
			Int64("total", m.totalCount).Int64("bytes", m.totalSize).
			Msg("download task started")
		return m.submitNextBatchLocked(ctx)

	case StatusForceDownloading:
		if typ == TypeForce {
			return nil
		}
		// Force-to-gentle downgrade is expressed as a pause, not a type
		// change.
		m.pauseLocked(ctx, PauseBackgroundTaskUnavailable)
		return nil

	case StatusGentleDownloading:
		if typ == TypeGentle {
			return nil
		}
		return fmt.Errorf("%w: gentle task running", ErrTaskConflict)

	default:
		return fmt.Errorf("cannot start download while %s", m.status)
	}
}

// PauseDownloadTask pauses an active task for the given cause. Pausing an
// idle or already-paused task is a benign no-op.
func (m *Manager) PauseDownloadTask(ctx context.Context, cause PauseCause) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusForceDownloading && m.status != StatusGentleDownloading {
		return nil
	}
	m.pauseLocked(ctx, cause)
	return nil
}

// pauseLocked moves in-flight files to the cache bucket and enters paused.
func (m *Manager) pauseLocked(ctx context.Context, cause PauseCause) {
	if m.batchID != "" {
		if err := m.downloader.CancelBatch(ctx, m.batchID); err != nil {
			m.log.Warn().Err(err).Str("batch", m.batchID).Msg("failed to cancel batch")
		}
		m.batchID = ""
	}
	for path, fi := range m.downloading {
		m.cache[path] = fi
		delete(m.downloading, path)
	}
	m.status = StatusPaused
	m.pauseCause = cause
	m.log.Info().Int("cause", int(cause)).Msg("download task paused")
}

// ManualActiveRecoverTask resumes a paused task at the user's request.
// Preconditions are re-validated first: when they still fail the task
// re-enters a (possibly different) pause cause rather than downloading.
// Recovering a non-paused task is a benign no-op.
func (m *Manager) ManualActiveRecoverTask(ctx context.Context, typ Type) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, typ)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusPaused {
		return nil
	}

	if m.precond != nil {
		if cause := m.precond.Check(ctx); cause != PauseNone {
			m.pauseCause = cause
			m.log.Info().Int("cause", int(cause)).Msg("manual recover blocked by preconditions")
			return nil
		}
	}

	return m.resumeLocked(ctx, typ)
}

// PassiveStatusRecoverTask resumes a paused task when the system reports a
// condition change. The recovery cause must match the pause cause's
// documented recovery path; a mismatch is a no-op, not an error.
func (m *Manager) PassiveStatusRecoverTask(ctx context.Context, cause RecoveryCause) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusPaused {
		return nil
	}
	want, ok := recoveryFor[m.pauseCause]
	if !ok || want != cause {
		return nil
	}

	return m.resumeLocked(ctx, m.activeType)
}

// resumeLocked moves cached files back to the ready queue and restarts
// batch submission.
func (m *Manager) resumeLocked(ctx context.Context, typ Type) error {
	for path, fi := range m.cache {
		m.ready = append(m.ready, fi)
		delete(m.cache, path)
	}
	m.activeType = typ
	m.status = typ.status()
	m.pauseCause = PauseNone
	m.log.Info().Str("type", m.status.String()).Msg("download task resumed")
	return m.submitNextBatchLocked(ctx)
}

// CancelDownloadTask discards the task from any state. Always legal; a
// subsequent start behaves identically to a first-ever call.
func (m *Manager) CancelDownloadTask(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.batchID != "" {
		if err := m.downloader.CancelBatch(ctx, m.batchID); err != nil {
			m.log.Warn().Err(err).Str("batch", m.batchID).Msg("failed to cancel batch")
		}
	}
	m.resetLocked()
	m.log.Info().Msg("download task cancelled")
	return nil
}

// resetLocked zeroes all task state.
func (m *Manager) resetLocked() {
	m.status = StatusIdle
	m.activeType = 0
	m.pauseCause = PauseNone
	m.batchID = ""
	m.ready = nil
	m.downloading = make(map[string]fileInfo)
	m.cache = make(map[string]fileInfo)
	m.notFound = make(map[string]fileInfo)
	m.totalCount = 0
	m.totalSize = 0
	m.downloadedCount = 0
	m.downloadedSize = 0
}

// initTaskLocked queries the candidate set of cloud-only assets in pages
// and computes the task totals.
func (m *Manager) initTaskLocked(ctx context.Context) error {
	m.resetLocked()

	for offset := 0; ; offset += queryPageSize {
		assets, err := m.db.ListAssetsByPosition(ctx, store.PositionCloud, queryPageSize, offset)
		if err != nil {
			return fmt.Errorf("failed to query download candidates: %w", err)
		}
		for _, a := range assets {
			m.ready = append(m.ready, fileInfo{fileID: a.FileID, path: a.Data, size: a.Size})
			m.totalCount++
			m.totalSize += a.Size
		}
		if len(assets) < queryPageSize {
			break
		}
	}
	return nil
}

// submitNextBatchLocked moves up to batchSize ready files into the
// in-flight bucket and hands them to the download subsystem. With nothing
// left in flight or ready, the task auto-transitions to idle, unless
// retryable failures remain cached, in which case it pauses for recovery.
func (m *Manager) submitNextBatchLocked(ctx context.Context) error {
	if len(m.downloading) > 0 {
		return nil
	}
	if len(m.ready) == 0 {
		// Retryable failures are parked in the cache; pause instead of
		// dropping them so a recover call can retry.
		if len(m.cache) > 0 {
			m.pauseLocked(ctx, PauseCloudError)
			return nil
		}
		m.log.Info().
			Int64("downloaded", m.downloadedCount).
			Int("not_found", len(m.notFound)).
			Msg("download task complete")
		m.resetLocked()
		return nil
	}

	n := batchSize
	if n > len(m.ready) {
		n = len(m.ready)
	}
	batch := m.ready[:n]
	m.ready = m.ready[n:]

	m.batchID = uuid.NewString()
	paths := make([]string, 0, n)
	for _, fi := range batch {
		m.downloading[fi.path] = fi
		paths = append(paths, fi.path)
	}

	if err := m.downloader.StartBatch(ctx, m.batchID, paths); err != nil {
		return fmt.Errorf("failed to submit download batch: %w", err)
	}
	m.log.Debug().Str("batch", m.batchID).Int("files", n).Msg("submitted download batch")
	return nil
}

// HandleSuccessCallback records a completed file download. The asset's
// position is updated to local-and-cloud. Reaching a batch boundary submits
// the next batch (or idles the task).
func (m *Manager) HandleSuccessCallback(ctx context.Context, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, ok := m.downloading[path]
	if !ok {
		return
	}
	delete(m.downloading, path)
	m.downloadedCount++
	m.downloadedSize += fi.size

	if err := m.markDownloaded(ctx, fi.fileID); err != nil {
		m.log.Warn().Err(err).Int64("asset", fi.fileID).Msg("failed to mark asset downloaded")
	}

	m.maybeAdvanceLocked(ctx)
}

// HandleFailedCallback moves a failed file to the cache bucket so a later
// resume can retry it.
func (m *Manager) HandleFailedCallback(ctx context.Context, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, ok := m.downloading[path]
	if !ok {
		return
	}
	delete(m.downloading, path)
	m.cache[path] = fi

	m.maybeAdvanceLocked(ctx)
}

// HandleStoppedCallback records a file the subsystem reports as missing in
// the cloud; it will not be retried.
func (m *Manager) HandleStoppedCallback(ctx context.Context, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, ok := m.downloading[path]
	if !ok {
		return
	}
	delete(m.downloading, path)
	m.notFound[path] = fi

	m.maybeAdvanceLocked(ctx)
}

// maybeAdvanceLocked submits the next batch when the in-flight bucket
// drains while the task is still downloading. Callbacks never change the
// coarse state themselves.
func (m *Manager) maybeAdvanceLocked(ctx context.Context) {
	if m.status != StatusForceDownloading && m.status != StatusGentleDownloading {
		return
	}
	if len(m.downloading) > 0 {
		return
	}
	if err := m.submitNextBatchLocked(ctx); err != nil {
		m.log.Warn().Err(err).Msg("failed to submit next batch")
	}
}

func (m *Manager) markDownloaded(ctx context.Context, fileID int64) error {
	a, err := m.db.GetAsset(ctx, fileID)
	if err != nil {
		return err
	}
	a.Position = store.PositionBoth
	return m.db.UpdateAsset(ctx, a)
}

// Status returns the current coarse state and pause cause.
func (m *Manager) Status() (Status, PauseCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.pauseCause
}

// StatusString renders the pollable progress line:
// "<state>,<totalCount>,<downloadedCount>,<totalSize>,<downloadedSize>,<pauseCause>".
// Outer layers translate it into UI.
func (m *Manager) StatusString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d",
		int(m.status), m.totalCount, m.downloadedCount,
		m.totalSize, m.downloadedSize, int(m.pauseCause))
}
