package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudgallery/medialib/internal/fusion"
	"github.com/cloudgallery/medialib/internal/record"
	"github.com/cloudgallery/medialib/internal/store"
)

func testDaemon(t *testing.T) (*Daemon, *store.DB, string) {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))

	engine := fusion.New(db, nil, nil, nil, zerolog.Nop())
	inbox := filepath.Join(dir, "inbox")

	cfg := DefaultConfig()
	cfg.DebounceInterval = 10 * time.Millisecond
	cfg.StatsRefreshInterval = time.Hour
	cfg.ReconcileInterval = time.Hour

	d, err := New(db, engine, inbox, cfg, zerolog.Nop())
	require.NoError(t, err)
	return d, db, inbox
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	engine := fusion.New(db, nil, nil, nil, zerolog.Nop())

	_, err = New(nil, engine, "inbox", nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(db, nil, "inbox", nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(db, engine, "", nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestDaemon_DrainsPreexistingBatch(t *testing.T) {
	d, db, inbox := testDaemon(t)

	// Deliver a batch before the daemon starts.
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	batch := filepath.Join(inbox, "batch-001.jsonl")
	require.NoError(t, record.WriteBatch(batch, []*record.CloudRecord{
		{Op: record.OpCreate, CloudID: "c1", Path: "/p/a.jpg", ModifiedAt: 1},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, func() bool {
		_, err := db.GetAssetByCloudID(context.Background(), "c1")
		return err == nil
	}, "pre-existing batch was not applied")

	// Applied batches are removed from the inbox.
	waitFor(t, func() bool {
		_, err := os.Stat(batch)
		return os.IsNotExist(err)
	}, "applied batch was not removed")

	cancel()
	require.NoError(t, <-done)
}

func TestDaemon_AppliesWatchedBatch(t *testing.T) {
	d, db, inbox := testDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// Give the watcher a moment to attach before delivering.
	waitFor(t, func() bool {
		_, err := os.Stat(inbox)
		return err == nil
	}, "inbox was not created")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, record.WriteBatch(filepath.Join(inbox, "batch-002.jsonl"),
		[]*record.CloudRecord{
			{Op: record.OpCreate, CloudID: "c2", Path: "/p/b.jpg", ModifiedAt: 2},
			{Op: record.OpDelete, CloudID: "ghost", ModifiedAt: 3},
		}))

	waitFor(t, func() bool {
		_, err := db.GetAssetByCloudID(context.Background(), "c2")
		return err == nil
	}, "watched batch was not applied")

	cancel()
	require.NoError(t, <-done)
}

func TestDaemon_UnreadableBatchStaysInInbox(t *testing.T) {
	d, _, inbox := testDaemon(t)

	require.NoError(t, os.MkdirAll(inbox, 0o755))
	bad := filepath.Join(inbox, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	_, err := os.Stat(bad)
	assert.NoError(t, err, "unreadable batch must stay for inspection")

	cancel()
	require.NoError(t, <-done)
}
