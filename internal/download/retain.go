package download

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cloudgallery/medialib/internal/notify"
	"github.com/cloudgallery/medialib/internal/store"
)

// deleteState is the three-valued cooperative state of the evicted-file
// delete loop.
type deleteState struct {
	v atomic.Int32
}

const (
	deleteIdle int32 = iota
	deleteBackground
	deleteActive
)

// deleteBatchSize is the number of files removed per one-second iteration
// of the throttled delete loop.
const deleteBatchSize = 200

// RetainResult contains statistics about one eviction run.
type RetainResult struct {
	Evicted       int64
	AlbumsRemoved int64
	FilesQueued   int
}

// ForceRetainDownloadCloudMedia walks every locally-and-cloud-resident
// asset and flips it to cloud-only: local content markers are cleared and
// the dirty marker reset to new so sync re-derives the row. Albums left
// with zero assets are removed, and the evicted local files are then
// physically deleted by a throttled background loop (one batch per second)
// that can be cooperatively cancelled mid-run via CancelDelete.
//
// This is a long-running background operation distinct from the download
// state machine; it shares only the underlying asset rows.
func (m *Manager) ForceRetainDownloadCloudMedia(ctx context.Context, notifier notify.Notifier) (*RetainResult, error) {
	if notifier == nil {
		notifier = notify.Discard
	}
	result := &RetainResult{}

	var evictedPaths []string
	// Paged walk; each eviction commits independently, so a failure on one
	// asset does not abort the run.
	for offset := 0; ; {
		assets, err := m.db.ListAssetsByPosition(ctx, store.PositionBoth, queryPageSize, offset)
		if err != nil {
			return result, fmt.Errorf("failed to query retained assets: %w", err)
		}
		if len(assets) == 0 {
			break
		}
		for _, a := range assets {
			if err := m.db.EvictAssetLocal(ctx, a.FileID); err != nil {
				m.log.Warn().Err(err).Int64("asset", a.FileID).Msg("failed to evict asset")
				offset++ // skip past the row that stayed PositionBoth
				continue
			}
			evictedPaths = append(evictedPaths, a.Data)
			result.Evicted++
		}
	}

	removed, err := m.db.DeleteEmptyAlbums(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to remove empty albums: %w", err)
	}
	result.AlbumsRemoved = removed

	result.FilesQueued = len(evictedPaths)
	if len(evictedPaths) > 0 {
		m.startDeleteLoop(evictedPaths, deleteActive)
	}

	notifier.Notify("file://media/Photo", notify.ChangeRemove)
	m.log.Info().
		Int64("evicted", result.Evicted).
		Int64("albums_removed", removed).
		Int("files_queued", result.FilesQueued).
		Msg("force retain complete")
	return result, nil
}

// startDeleteLoop launches the throttled delete worker in the given mode
// (deleteActive for user-triggered runs, deleteBackground for maintenance).
// A loop already in flight keeps running; the new paths are dropped (the
// next retain run re-derives them).
func (m *Manager) startDeleteLoop(paths []string, mode int32) {
	if !m.deleteState.v.CompareAndSwap(deleteIdle, mode) {
		m.log.Warn().Int("files", len(paths)).Msg("delete loop already running; skipping queue")
		return
	}

	go func() {
		defer m.deleteState.v.Store(deleteIdle)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for start := 0; start < len(paths); start += deleteBatchSize {
			// Cancellation is honored between iterations only; an
			// in-progress single-file delete always finishes.
			if m.deleteState.v.Load() == deleteIdle {
				m.log.Info().Int("deleted", start).Msg("delete loop cancelled")
				return
			}

			end := start + deleteBatchSize
			if end > len(paths) {
				end = len(paths)
			}
			for _, p := range paths[start:end] {
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					m.log.Warn().Err(err).Str("path", p).Msg("failed to delete evicted file")
				}
			}

			if end < len(paths) {
				<-ticker.C
			}
		}
		m.log.Info().Int("deleted", len(paths)).Msg("delete loop complete")
	}()
}

// CancelDelete cooperatively stops the delete loop at its next iteration
// boundary. Idempotent.
func (m *Manager) CancelDelete() {
	m.deleteState.v.Store(deleteIdle)
}

// DeleteRunning reports whether the delete loop is active.
func (m *Manager) DeleteRunning() bool {
	return m.deleteState.v.Load() != deleteIdle
}
