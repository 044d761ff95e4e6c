// Package daemon provides the maintenance daemon that orchestrates inbox
// watching and library reconciliation.
//
// The daemon:
// 1. Watches the inbox directory for incoming JSONL cloud-record batches
// 2. Applies each batch to the library database
// 3. Periodically refreshes album stats and runs a full reconciliation pass
// 4. Ages out deleted rows past their retention window
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cloudgallery/medialib/internal/fusion"
	"github.com/cloudgallery/medialib/internal/record"
	"github.com/cloudgallery/medialib/internal/store"
)

// Broadcaster receives daemon progress events. The dashboard server
// implements it; a nil Broadcaster disables reporting.
type Broadcaster interface {
	BatchApplied(file string, result *record.ApplyResult)
	ReconcileComplete(operation string, report *fusion.Report)
}

// Config holds configuration for the daemon.
type Config struct {
	// StatsRefreshInterval is how often album counts and covers are
	// recomputed.
	StatsRefreshInterval time.Duration

	// ReconcileInterval is how often a full reconciliation pass runs.
	ReconcileInterval time.Duration

	// DebounceInterval is how long to wait before processing inbox changes.
	// This batches rapid writes together.
	DebounceInterval time.Duration

	// TombstoneRetention is how long deleted asset rows are kept before
	// the aging pass purges them.
	TombstoneRetention time.Duration

	// Broadcaster receives progress events. Optional.
	Broadcaster Broadcaster
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StatsRefreshInterval: 30 * time.Second,
		ReconcileInterval:    time.Hour,
		DebounceInterval:     100 * time.Millisecond,
		TombstoneRetention:   30 * 24 * time.Hour,
	}
}

// Daemon orchestrates inbox watching and library reconciliation.
type Daemon struct {
	db       *store.DB
	engine   *fusion.Engine
	applier  *record.Applier
	inboxDir string
	config   *Config
	log      zerolog.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - db: library database
//   - engine: reconciliation engine
//   - inboxDir: directory receiving cloud-record batches (*.jsonl)
//
// Use Start() to begin watching and reconciling.
func New(db *store.DB, engine *fusion.Engine, inboxDir string, config *Config, logger zerolog.Logger) (*Daemon, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if inboxDir == "" {
		return nil, fmt.Errorf("inboxDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		db:          db,
		engine:      engine,
		applier:     record.NewApplier(db, logger),
		inboxDir:    inboxDir,
		config:      config,
		log:         logger,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Drain any batches already sitting in the inbox
// 2. Start watching the inbox for new batches
// 3. Periodically refresh album stats and run reconciliation
// 4. Process inbox changes with debouncing
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.log.Info().Str("inbox", d.inboxDir).Msg("starting daemon")

	if err := os.MkdirAll(d.inboxDir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	// Drain batches delivered while we were down.
	if err := d.drainInbox(); err != nil {
		return fmt.Errorf("initial inbox drain failed: %w", err)
	}

	if err := d.watcher.Add(d.inboxDir); err != nil {
		return fmt.Errorf("failed to watch inbox directory: %w", err)
	}

	d.wg.Add(4)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.refreshStats()
	go d.reconcileLoop()

	select {
	case <-ctx.Done():
		d.log.Info().Msg("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.log.Info().Msg("stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.log.Warn().Err(err).Msg("error closing watcher")
	}

	d.wg.Wait()

	d.log.Info().Msg("daemon stopped")
	return nil
}

// drainInbox applies every batch file currently in the inbox.
func (d *Daemon) drainInbox() error {
	entries, err := os.ReadDir(d.inboxDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read inbox: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		path := filepath.Join(d.inboxDir, entry.Name())
		if err := d.applyBatchFile(path); err != nil {
			d.log.Warn().Err(err).Str("file", path).Msg("failed to apply batch")
		}
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write; removes are our own
			// post-apply cleanup.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}

			d.log.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("inbox event")
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued inbox changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges applies batch files that have been quiet long
// enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		// Only process once writes have settled (debouncing).
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		if err := d.applyBatchFile(path); err != nil {
			d.log.Warn().Err(err).Str("file", path).Msg("failed to apply batch")
		}

		delete(d.changeQueue, path)
	}
}

// applyBatchFile reads one JSONL batch, applies it, and removes the file on
// success. A batch that cannot be read stays in the inbox for inspection.
func (d *Daemon) applyBatchFile(path string) error {
	records, err := record.ReadBatch(path)
	if err != nil {
		return fmt.Errorf("failed to read batch: %w", err)
	}

	result, err := d.applier.ApplyBatch(d.ctx, records)
	if err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}

	d.log.Info().
		Str("file", filepath.Base(path)).
		Int("created", result.Created).
		Int("modified", result.Modified).
		Int("deleted", result.Deleted).
		Int("copied", result.Copied).
		Int("failed", result.Failed()).
		Msg("batch applied")

	if d.config.Broadcaster != nil {
		d.config.Broadcaster.BatchApplied(filepath.Base(path), result)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log.Warn().Err(err).Str("file", path).Msg("failed to remove applied batch")
	}
	return nil
}

// refreshStats periodically recomputes denormalized album stats.
func (d *Daemon) refreshStats() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.StatsRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.db.RefreshAlbumStats(d.ctx); err != nil {
				d.log.Warn().Err(err).Msg("failed to refresh album stats")
			}
		}
	}
}

// reconcileLoop periodically runs the full reconciliation pass and the
// tombstone aging pass.
func (d *Daemon) reconcileLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runReconcile()
		}
	}
}

// runReconcile performs one full reconciliation pass.
func (d *Daemon) runReconcile() {
	report, err := d.engine.ResolveNotMatchedMapping(d.ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("mapping resolution failed")
	} else {
		d.broadcastReport("resolve_mappings", report)
	}

	report, err = d.engine.MergeDuplicateAlbums(d.ctx)
	if err != nil {
		// The gate being held just means a sync pass is active; try again
		// next interval.
		if errors.Is(err, fusion.ErrSyncBusy) {
			d.log.Debug().Msg("merge skipped, sync in progress")
		} else {
			d.log.Warn().Err(err).Msg("album merge failed")
		}
	} else {
		d.broadcastReport("merge_albums", report)
	}

	purged, err := d.db.PurgeAgedTombstones(d.ctx, d.config.TombstoneRetention)
	if err != nil {
		d.log.Warn().Err(err).Msg("tombstone purge failed")
	} else if purged > 0 {
		d.log.Info().Int64("purged", purged).Msg("aged tombstones purged")
	}
}

func (d *Daemon) broadcastReport(operation string, report *fusion.Report) {
	d.log.Info().
		Str("operation", operation).
		Int("items", len(report.Items)).
		Int("failed", report.Failed()).
		Int64("swept", report.Swept).
		Msg("reconcile pass complete")

	if d.config.Broadcaster != nil {
		d.config.Broadcaster.ReconcileComplete(operation, report)
	}
}
