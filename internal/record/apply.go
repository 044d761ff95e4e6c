package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudgallery/medialib/internal/store"
)

// ApplyResult contains statistics about one batch application.
type ApplyResult struct {
	Created  int
	Modified int
	Deleted  int
	Copied   int
	Errors   []string
}

// Failed returns the number of records that could not be applied.
func (r *ApplyResult) Failed() int {
	return len(r.Errors)
}

// Applier writes cloud records into the local store. It is the pull side of
// the sync protocol; the inconsistencies it can introduce (conflicting
// membership updates, duplicate albums) are repaired by the fusion engine.
type Applier struct {
	db  *store.DB
	log zerolog.Logger
}

// NewApplier creates an Applier over the given store.
func NewApplier(db *store.DB, logger zerolog.Logger) *Applier {
	return &Applier{db: db, log: logger}
}

// ApplyBatch applies records in order. Individual record failures are
// collected in the result and don't stop the batch.
func (ap *Applier) ApplyBatch(ctx context.Context, records []*CloudRecord) (*ApplyResult, error) {
	result := &ApplyResult{}

	for _, rec := range records {
		var err error
		switch rec.Op {
		case OpCreate:
			err = ap.applyCreate(ctx, rec, result)
		case OpModify:
			err = ap.applyModify(ctx, rec, result)
		case OpDelete:
			err = ap.applyDelete(ctx, rec, result)
		case OpCopy:
			err = ap.applyCopy(ctx, rec, result)
		default:
			err = fmt.Errorf("unknown op %q", rec.Op)
		}
		if err != nil {
			ap.log.Warn().Err(err).Str("cloud_id", rec.CloudID).Str("op", string(rec.Op)).
				Msg("failed to apply cloud record")
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s %s: %v", rec.Op, rec.CloudID, err))
		}
	}

	return result, nil
}

func (ap *Applier) applyCreate(ctx context.Context, rec *CloudRecord, result *ApplyResult) error {
	// A record already pulled is a modify in disguise (sync may redeliver).
	if existing, err := ap.db.GetAssetByCloudID(ctx, rec.CloudID); err == nil {
		rec.ApplyTo(existing)
		if err := ap.db.UpdateAsset(ctx, existing); err != nil {
			return err
		}
		result.Modified++
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	asset := rec.ToAsset()
	albumID, err := ap.resolveAlbum(ctx, rec)
	if err != nil {
		return err
	}
	asset.OwnerAlbumID = albumID

	assetID, err := ap.db.InsertAsset(ctx, asset)
	if err != nil {
		return err
	}
	if albumID != 0 {
		// Mirror the membership so the legacy mapping table stays in step.
		if err := ap.db.InsertMapping(ctx, assetID, albumID); err != nil {
			ap.log.Warn().Err(err).Int64("asset", assetID).Msg("failed to mirror membership")
		}
	}
	result.Created++
	return nil
}

func (ap *Applier) applyModify(ctx context.Context, rec *CloudRecord, result *ApplyResult) error {
	asset, err := ap.db.GetAssetByCloudID(ctx, rec.CloudID)
	if err != nil {
		return fmt.Errorf("no local asset for cloud id: %w", err)
	}
	rec.ApplyTo(asset)
	if asset.Position == store.PositionLocal {
		// First successful round-trip: content now exists on both sides.
		asset.Position = store.PositionBoth
	}
	if err := ap.db.UpdateAsset(ctx, asset); err != nil {
		return err
	}
	result.Modified++
	return nil
}

func (ap *Applier) applyDelete(ctx context.Context, rec *CloudRecord, result *ApplyResult) error {
	asset, err := ap.db.GetAssetByCloudID(ctx, rec.CloudID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Already gone; deletes are idempotent.
			return nil
		}
		return err
	}
	if err := ap.db.MarkAssetDeleted(ctx, asset.FileID); err != nil {
		return err
	}
	result.Deleted++
	return nil
}

func (ap *Applier) applyCopy(ctx context.Context, rec *CloudRecord, result *ApplyResult) error {
	asset := rec.ToAsset()
	albumID, err := ap.resolveAlbum(ctx, rec)
	if err != nil {
		return err
	}
	asset.OwnerAlbumID = albumID

	assetID, err := ap.db.InsertAsset(ctx, asset)
	if err != nil {
		return err
	}
	if albumID != 0 {
		if err := ap.db.InsertMapping(ctx, assetID, albumID); err != nil {
			ap.log.Warn().Err(err).Int64("asset", assetID).Msg("failed to mirror membership")
		}
	}
	result.Copied++
	return nil
}

// resolveAlbum finds the album a record places its asset in, creating a
// pulled album row on first sight of its lpath. Returns 0 when the record
// carries no placement; the fusion sweep will adopt the asset.
func (ap *Applier) resolveAlbum(ctx context.Context, rec *CloudRecord) (int64, error) {
	if rec.AlbumLPath == "" {
		return 0, nil
	}

	album, err := ap.db.GetAlbumByLPath(ctx, rec.AlbumLPath)
	if err == nil {
		return album.AlbumID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	name := rec.AlbumName
	if name == "" {
		name = rec.AlbumLPath
	}
	created := &store.Album{
		Name:    name,
		Type:    store.AlbumTypeUser,
		Subtype: store.SubtypeUserGeneric,
		LPath:   rec.AlbumLPath,
		Dirty:   store.DirtySynced,
	}
	id, err := ap.db.InsertAlbum(ctx, created)
	if err != nil {
		return 0, fmt.Errorf("failed to create pulled album: %w", err)
	}
	ap.log.Info().Int64("album", id).Str("lpath", rec.AlbumLPath).Msg("created album from cloud record")
	return id, nil
}
