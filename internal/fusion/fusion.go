// Package fusion implements the album/asset reconciliation engine.
//
// The engine repairs two classes of inconsistency that cloud sync leaves in
// the asset/album graph:
//
//   - assets whose legacy membership-mapping rows disagree with their
//     current owner album ("not matched" data), resolved by reassigning the
//     owner to the first candidate and cloning the asset for every
//     additional candidate (the schema is owner-exclusive);
//   - duplicate albums that represent the same logical collection under
//     different identities, resolved by merging every loser of a name run
//     into its survivor.
//
// Batch loops are best-effort: a failure on one item is recorded in the
// returned Report and does not abort siblings. Only a failure producing the
// work list itself fails the whole operation.
package fusion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cloudgallery/medialib/internal/copier"
	"github.com/cloudgallery/medialib/internal/notify"
	"github.com/cloudgallery/medialib/internal/store"
)

const (
	// OtherAlbumName is the well-known fallback album for unowned assets.
	OtherAlbumName = "Other"
	// OtherAlbumLPath is the logical path of the fallback album.
	OtherAlbumLPath = "/Pictures/Other"

	// AlbumURIPrefix addresses album change notifications.
	AlbumURIPrefix = "file://media/PhotoAlbum"
	// AssetURIPrefix addresses asset change notifications.
	AssetURIPrefix = "file://media/Photo"
)

// Vendor-renamed system bundles. Albums created under a legacy bundle id
// are unified into the canonical bundle's album before the general
// duplicate pass runs.
const (
	ScreenshotBundle           = "com.ohos.screenshot"
	ScreenshotBundleLegacy     = "com.huawei.ohos.screenshot"
	ScreenRecorderBundle       = "com.ohos.screenrecorder"
	ScreenRecorderBundleLegacy = "com.huawei.ohos.screenrecorder"
)

// legacyBundles maps each canonical bundle id to its legacy identifiers.
var legacyBundles = map[string][]string{
	ScreenshotBundle:     {ScreenshotBundleLegacy},
	ScreenRecorderBundle: {ScreenRecorderBundleLegacy},
}

// Engine reconciles the asset/album graph. All dependencies are injected;
// the engine holds no global state.
type Engine struct {
	db       *store.DB
	copier   *copier.Copier
	notifier notify.Notifier
	gate     *SyncGate
	log      zerolog.Logger
}

// New creates a reconciliation engine. notifier may be nil (discarded);
// gate may be nil (a private gate is created).
func New(db *store.DB, cp *copier.Copier, notifier notify.Notifier, gate *SyncGate, logger zerolog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Discard
	}
	if gate == nil {
		gate = &SyncGate{}
	}
	return &Engine{
		db:       db,
		copier:   cp,
		notifier: notifier,
		gate:     gate,
		log:      logger,
	}
}

// Gate exposes the engine's sync gate so the sync driver can consult it.
func (e *Engine) Gate() *SyncGate {
	return e.gate
}

// ResolveNotMatchedMapping repairs assets whose legacy membership mirror
// disagrees with their owner album.
//
// For each asset with candidate albums, the first candidate (mapping order,
// asset asc then album asc) becomes the owner. Every additional candidate
// gets a clone of the asset: the backing file (and, for cloud-resident
// assets, the thumbnail tree) is duplicated first, and the metadata clone is
// skipped when duplication fails. Finally, assets left unowned are swept
// into the fallback album.
//
// The caller is expected to refresh denormalized album stats afterwards;
// this operation emits no notifications itself.
func (e *Engine) ResolveNotMatchedMapping(ctx context.Context) (*Report, error) {
	mappings, err := e.db.NotMatchedMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query not-matched mappings: %w", err)
	}

	report := &Report{}
	e.log.Info().Int("candidates", len(mappings)).Msg("resolving not-matched mappings")

	// Mappings arrive ordered by (asset, album); group into runs per asset.
	for i := 0; i < len(mappings); {
		assetID := mappings[i].AssetID
		j := i
		for j < len(mappings) && mappings[j].AssetID == assetID {
			j++
		}
		e.resolveAssetCandidates(ctx, mappings[i:j], report)
		i = j
	}

	other, err := e.ensureOtherAlbum(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to resolve fallback album: %w", err)
	}
	swept, err := e.db.SweepUnownedAssets(ctx, other.AlbumID)
	if err != nil {
		return report, fmt.Errorf("failed to sweep unowned assets: %w", err)
	}
	report.Swept = swept

	e.log.Info().
		Int("items", len(report.Items)).
		Int("failed", report.Failed()).
		Int64("swept", swept).
		Msg("not-matched mapping resolution complete")
	return report, nil
}

// resolveAssetCandidates processes the candidate run of one asset.
func (e *Engine) resolveAssetCandidates(ctx context.Context, run []store.Mapping, report *Report) {
	assetID := run[0].AssetID

	asset, err := e.db.GetAsset(ctx, assetID)
	if err != nil {
		report.add(ItemResult{Kind: ItemOwnerAssign, AssetID: assetID,
			Err: fmt.Errorf("failed to load asset: %w", err)})
		return
	}

	// First candidate wins ownership. The policy is iteration order, kept
	// for compatibility with existing data.
	first := run[0]
	if err := e.db.UpdateAssetOwner(ctx, assetID, first.AlbumID); err != nil {
		report.add(ItemResult{Kind: ItemOwnerAssign, AssetID: assetID,
			AlbumID: first.AlbumID, Err: err})
		return
	}
	if err := e.db.ConsumeMapping(ctx, assetID, first.AlbumID); err != nil {
		e.log.Warn().Err(err).Int64("asset", assetID).Msg("failed to consume mapping")
	}
	report.add(ItemResult{Kind: ItemOwnerAssign, AssetID: assetID,
		AlbumID: first.AlbumID, Target: first.AlbumID})

	// The schema is owner-exclusive, so each additional candidate gets a
	// clone of the asset.
	for _, m := range run[1:] {
		cloneID, err := e.cloneAssetInto(ctx, asset, m.AlbumID)
		// Consume the mapping either way; a failed clone is logged and
		// reported, not retried on the next pass.
		if cerr := e.db.ConsumeMapping(ctx, assetID, m.AlbumID); cerr != nil {
			e.log.Warn().Err(cerr).Int64("asset", assetID).Msg("failed to consume mapping")
		}
		if err != nil {
			e.log.Warn().Err(err).
				Int64("asset", assetID).
				Int64("album", m.AlbumID).
				Msg("failed to clone asset for additional album")
			report.add(ItemResult{Kind: ItemClone, AssetID: assetID, AlbumID: m.AlbumID, Err: err})
			continue
		}
		report.add(ItemResult{Kind: ItemClone, AssetID: assetID, AlbumID: m.AlbumID, Target: cloneID})
	}
}

// cloneAssetInto duplicates the backing file of src and inserts a metadata
// clone owned by albumID. Returns the clone's file id.
func (e *Engine) cloneAssetInto(ctx context.Context, src *store.Asset, albumID int64) (int64, error) {
	var targetPath string
	var err error
	if src.Position == store.PositionLocal {
		targetPath, err = e.copier.CopyLocalAsset(ctx, src.Data)
	} else {
		targetPath, err = e.copier.CopyCloudAsset(ctx, src.Data)
	}
	if err != nil {
		return 0, err
	}

	clone := &store.Asset{
		Data:         targetPath,
		DisplayName:  filepath.Base(targetPath),
		Size:         src.Size,
		MediaType:    src.MediaType,
		Position:     src.Position,
		Dirty:        store.DirtyNew,
		OwnerAlbumID: albumID,
		// Chain the clone back to its source so the sync protocol can
		// attribute it.
		OriginalCloudID: src.CloudID,
	}
	cloneID, err := e.db.InsertAsset(ctx, clone)
	if err != nil {
		return 0, fmt.Errorf("failed to insert clone metadata: %w", err)
	}
	return cloneID, nil
}

// MergeDuplicateAlbums restores the album uniqueness invariant: at most one
// non-deleted album per logical identity.
//
// Legacy vendor bundles are unified first, then the general pass scans all
// non-deleted albums in merge order (name asc, subtype desc, cloud id desc,
// count desc) and merges every subsequent album of a name run into the
// run's first album. Losers are hard-deleted when never synced and
// tombstoned when cloud-backed. Afterwards unowned assets are swept into
// the fallback album, stale source subtypes are corrected, and denormalized
// album stats are refreshed.
//
// The sync gate is held for the duration; ErrSyncBusy is returned when
// another pass already holds it.
func (e *Engine) MergeDuplicateAlbums(ctx context.Context) (*Report, error) {
	lease, err := e.gate.TryAcquire("album-fusion")
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	report := &Report{}

	if err := e.unifyLegacyBundles(ctx, report); err != nil {
		return report, err
	}

	albums, err := e.db.ListActiveAlbumsOrdered(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list albums for merge: %w", err)
	}

	// Two-pointer scan over runs of equal names: the first album of a run
	// is the survivor, every subsequent one is merged into it.
	for i := 0; i < len(albums); {
		survivor := albums[i]
		j := i + 1
		for j < len(albums) && albums[j].Name == survivor.Name {
			e.mergeInto(ctx, survivor, albums[j], ItemMerge, report)
			j++
		}
		i = j
	}

	other, err := e.ensureOtherAlbum(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to resolve fallback album: %w", err)
	}
	swept, err := e.db.SweepUnownedAssets(ctx, other.AlbumID)
	if err != nil {
		return report, fmt.Errorf("failed to sweep unowned assets: %w", err)
	}
	report.Swept = swept

	if fixed, err := e.db.FixSourceAlbumSubtypes(ctx); err != nil {
		e.log.Warn().Err(err).Msg("failed to fix source album subtypes")
	} else if fixed > 0 {
		e.log.Info().Int64("fixed", fixed).Msg("corrected stale source album subtypes")
	}

	if err := e.db.RefreshAlbumStats(ctx); err != nil {
		return report, fmt.Errorf("failed to refresh album stats: %w", err)
	}

	e.notifier.Notify(AlbumURIPrefix, notify.ChangeUpdate)

	e.log.Info().
		Int("items", len(report.Items)).
		Int("failed", report.Failed()).
		Int64("swept", swept).
		Msg("duplicate album merge complete")
	return report, nil
}

// unifyLegacyBundles merges albums created under legacy vendor bundle ids
// into the canonical bundle's album, using the same survivor/loser merge
// primitive as the general pass.
func (e *Engine) unifyLegacyBundles(ctx context.Context, report *Report) error {
	for canonical, legacies := range legacyBundles {
		canonicalAlbums, err := e.db.ListAlbumsByBundle(ctx, canonical)
		if err != nil {
			return fmt.Errorf("failed to list albums for bundle %s: %w", canonical, err)
		}

		var survivor *store.Album
		if len(canonicalAlbums) > 0 {
			survivor = canonicalAlbums[0]
		}

		for _, legacy := range legacies {
			legacyAlbums, err := e.db.ListAlbumsByBundle(ctx, legacy)
			if err != nil {
				return fmt.Errorf("failed to list albums for bundle %s: %w", legacy, err)
			}
			for _, album := range legacyAlbums {
				if survivor == nil {
					// No canonical album yet: adopt the first legacy album
					// and rewrite its bundle identity in place.
					album.BundleName = canonical
					album.Subtype = store.SubtypeSourceGeneric
					if err := e.db.UpdateAlbum(ctx, album); err != nil {
						report.add(ItemResult{Kind: ItemBundleUnify,
							AlbumID: album.AlbumID, Err: err})
						continue
					}
					survivor = album
					report.add(ItemResult{Kind: ItemBundleUnify,
						AlbumID: album.AlbumID, Target: album.AlbumID})
					continue
				}
				e.mergeInto(ctx, survivor, album, ItemBundleUnify, report)
			}
		}
	}
	return nil
}

// mergeInto retargets all asset ownership and mirror rows of loser to
// survivor, then removes the loser: hard-deleted when never synced,
// tombstoned when cloud-backed.
func (e *Engine) mergeInto(ctx context.Context, survivor, loser *store.Album, kind ItemKind, report *Report) {
	if survivor.AlbumID <= 0 || loser.AlbumID <= 0 {
		report.add(ItemResult{Kind: kind, AlbumID: loser.AlbumID, Target: survivor.AlbumID,
			Err: fmt.Errorf("invalid merge target %d -> %d", loser.AlbumID, survivor.AlbumID)})
		return
	}

	moved, err := e.db.RetargetAssets(ctx, loser.AlbumID, survivor.AlbumID)
	if err != nil {
		report.add(ItemResult{Kind: kind, AlbumID: loser.AlbumID, Target: survivor.AlbumID, Err: err})
		return
	}
	if err := e.db.RetargetMappings(ctx, loser.AlbumID, survivor.AlbumID); err != nil {
		report.add(ItemResult{Kind: kind, AlbumID: loser.AlbumID, Target: survivor.AlbumID,
			Moved: moved, Err: err})
		return
	}

	if loser.CloudID == "" {
		err = e.db.DeleteAlbum(ctx, loser.AlbumID)
	} else {
		err = e.db.TombstoneAlbum(ctx, loser.AlbumID)
	}
	if err != nil {
		report.add(ItemResult{Kind: kind, AlbumID: loser.AlbumID, Target: survivor.AlbumID,
			Moved: moved, Err: err})
		return
	}

	e.log.Debug().
		Int64("survivor", survivor.AlbumID).
		Int64("loser", loser.AlbumID).
		Int64("moved", moved).
		Str("name", loser.Name).
		Msg("merged duplicate album")
	report.add(ItemResult{Kind: kind, AlbumID: loser.AlbumID, Target: survivor.AlbumID, Moved: moved})
}

// ensureOtherAlbum resolves the fallback album, creating it on demand.
// Creating rather than failing keeps unowned assets from being stranded
// when the album is missing.
func (e *Engine) ensureOtherAlbum(ctx context.Context) (*store.Album, error) {
	album, err := e.db.GetAlbumByLPath(ctx, OtherAlbumLPath)
	if err == nil {
		return album, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	album, err = e.db.GetAlbumByName(ctx, OtherAlbumName)
	if err == nil {
		return album, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	other := &store.Album{
		Name:    OtherAlbumName,
		Type:    store.AlbumTypeSystem,
		Subtype: store.SubtypeHidden,
		LPath:   OtherAlbumLPath,
		Dirty:   store.DirtyNew,
	}
	if _, err := e.db.InsertAlbum(ctx, other); err != nil {
		return nil, fmt.Errorf("failed to create fallback album: %w", err)
	}
	e.log.Info().Int64("album", other.AlbumID).Msg("created fallback album")
	return other, nil
}
