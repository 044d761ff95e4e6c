package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Position describes where an asset's content resides.
type Position int

const (
	// PositionLocal means the content exists only on this device.
	PositionLocal Position = 1
	// PositionCloud means the content exists only in the cloud replica.
	PositionCloud Position = 2
	// PositionBoth means the content exists locally and in the cloud.
	PositionBoth Position = 3
)

// Dirty describes a row's sync state relative to the cloud replica.
type Dirty int

const (
	// DirtySynced means the row matches the cloud replica.
	DirtySynced Dirty = 0
	// DirtyNew means the row was created locally and never uploaded.
	DirtyNew Dirty = 1
	// DirtyMeta means metadata changed since the last sync.
	DirtyMeta Dirty = 2
	// DirtyFile means file content changed since the last sync.
	DirtyFile Dirty = 3
	// DirtyDeleted marks a logically removed row pending cleanup.
	// Cloud-backed rows stay as tombstones until sync propagates the delete.
	DirtyDeleted Dirty = 4
	// DirtyRetry marks a row whose last sync attempt failed.
	DirtyRetry Dirty = 5
)

// MediaType distinguishes photos from videos.
type MediaType int

const (
	MediaTypePhoto MediaType = 1
	MediaTypeVideo MediaType = 2
)

// Asset represents a row in the assets table.
//
// An asset is created locally (capture, import) or pulled down from a cloud
// record. CloudID stays empty until the first successful cloud round-trip;
// PositionLocal assets never carry a stable cloud id. OriginalCloudID chains
// a copied asset back to its source so the sync protocol can attribute it.
type Asset struct {
	FileID          int64
	CloudID         string
	Data            string // absolute path of the backing file
	DisplayName     string
	Size            int64
	MediaType       MediaType
	Position        Position
	Dirty           Dirty
	OwnerAlbumID    int64 // 0 means unowned
	OriginalCloudID string
	DateAdded       int64 // unix milliseconds
	DateModified    int64 // unix milliseconds
}

const assetColumns = `file_id, cloud_id, data, display_name, size, media_type,
	position, dirty, owner_album_id, original_cloud_id, date_added, date_modified`

// InsertAsset inserts a new asset row and returns its file id.
func (db *DB) InsertAsset(ctx context.Context, a *Asset) (int64, error) {
	if a.Data == "" {
		return 0, fmt.Errorf("asset path is required")
	}
	if a.DateAdded == 0 {
		a.DateAdded = time.Now().UnixMilli()
	}
	if a.DateModified == 0 {
		a.DateModified = a.DateAdded
	}

	query := `
	INSERT INTO assets (
		cloud_id, data, display_name, size, media_type, position,
		dirty, owner_album_id, original_cloud_id, date_added, date_modified
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := db.conn.ExecContext(ctx, query,
		a.CloudID,
		a.Data,
		a.DisplayName,
		a.Size,
		a.MediaType,
		a.Position,
		a.Dirty,
		a.OwnerAlbumID,
		a.OriginalCloudID,
		a.DateAdded,
		a.DateModified,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert asset: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted asset id: %w", err)
	}
	a.FileID = id
	return id, nil
}

// GetAsset retrieves a single asset by file id.
// Returns sql.ErrNoRows if the asset is not found.
func (db *DB) GetAsset(ctx context.Context, fileID int64) (*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE file_id = ?`
	row := db.conn.QueryRowContext(ctx, query, fileID)
	return scanAsset(row)
}

// GetAssetByCloudID retrieves a single asset by its cloud id.
// Returns sql.ErrNoRows if no asset carries the id.
func (db *DB) GetAssetByCloudID(ctx context.Context, cloudID string) (*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE cloud_id = ? AND dirty != ?`
	row := db.conn.QueryRowContext(ctx, query, cloudID, DirtyDeleted)
	return scanAsset(row)
}

// UpdateAsset writes all mutable columns of an existing asset row.
func (db *DB) UpdateAsset(ctx context.Context, a *Asset) error {
	query := `
	UPDATE assets SET
		cloud_id = ?, data = ?, display_name = ?, size = ?, media_type = ?,
		position = ?, dirty = ?, owner_album_id = ?, original_cloud_id = ?,
		date_modified = ?
	WHERE file_id = ?
	`
	_, err := db.conn.ExecContext(ctx, query,
		a.CloudID, a.Data, a.DisplayName, a.Size, a.MediaType,
		a.Position, a.Dirty, a.OwnerAlbumID, a.OriginalCloudID,
		time.Now().UnixMilli(), a.FileID,
	)
	if err != nil {
		return fmt.Errorf("failed to update asset %d: %w", a.FileID, err)
	}
	return nil
}

// UpdateAssetOwner moves an asset to a different owner album.
func (db *DB) UpdateAssetOwner(ctx context.Context, fileID, albumID int64) error {
	query := `UPDATE assets SET owner_album_id = ?, date_modified = ? WHERE file_id = ?`
	_, err := db.conn.ExecContext(ctx, query, albumID, time.Now().UnixMilli(), fileID)
	if err != nil {
		return fmt.Errorf("failed to update owner of asset %d: %w", fileID, err)
	}
	return nil
}

// MarkAssetDeleted tombstones an asset (dirty=4) without removing the row.
func (db *DB) MarkAssetDeleted(ctx context.Context, fileID int64) error {
	query := `UPDATE assets SET dirty = ?, date_modified = ? WHERE file_id = ?`
	_, err := db.conn.ExecContext(ctx, query, DirtyDeleted, time.Now().UnixMilli(), fileID)
	if err != nil {
		return fmt.Errorf("failed to tombstone asset %d: %w", fileID, err)
	}
	return nil
}

// RetargetAssets moves every non-deleted asset owned by fromAlbum to toAlbum.
// Returns the number of moved rows.
func (db *DB) RetargetAssets(ctx context.Context, fromAlbum, toAlbum int64) (int64, error) {
	query := `UPDATE assets SET owner_album_id = ?, date_modified = ?
		WHERE owner_album_id = ? AND dirty != ?`
	res, err := db.conn.ExecContext(ctx, query, toAlbum, time.Now().UnixMilli(), fromAlbum, DirtyDeleted)
	if err != nil {
		return 0, fmt.Errorf("failed to retarget assets %d -> %d: %w", fromAlbum, toAlbum, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count retargeted assets: %w", err)
	}
	return n, nil
}

// SweepUnownedAssets assigns every non-deleted asset whose owner album is 0
// or no longer exists (merged away, hard-deleted) to the fallback album.
// Returns the number of swept rows.
func (db *DB) SweepUnownedAssets(ctx context.Context, fallbackAlbum int64) (int64, error) {
	query := `
	UPDATE assets SET owner_album_id = ?, date_modified = ?
	WHERE dirty != ?
	  AND (owner_album_id = 0
	       OR owner_album_id NOT IN (SELECT album_id FROM albums WHERE dirty != ?))
	`
	res, err := db.conn.ExecContext(ctx, query,
		fallbackAlbum, time.Now().UnixMilli(), DirtyDeleted, DirtyDeleted)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep unowned assets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept assets: %w", err)
	}
	return n, nil
}

// CountAssetsInAlbum returns the number of non-deleted assets owned by an album.
func (db *DB) CountAssetsInAlbum(ctx context.Context, albumID int64) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM assets WHERE owner_album_id = ? AND dirty != ?`
	err := db.conn.QueryRowContext(ctx, query, albumID, DirtyDeleted).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count assets in album %d: %w", albumID, err)
	}
	return count, nil
}

// CountAssetsByPosition returns the number of non-deleted assets at the
// given position.
func (db *DB) CountAssetsByPosition(ctx context.Context, pos Position) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM assets WHERE position = ? AND dirty != ?`
	err := db.conn.QueryRowContext(ctx, query, pos, DirtyDeleted).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count assets by position: %w", err)
	}
	return count, nil
}

// ListAssetsByPosition returns a page of non-deleted assets at the given
// position, ordered by file id. Pages keep reconciliation loops bounded.
func (db *DB) ListAssetsByPosition(ctx context.Context, pos Position, limit, offset int) ([]*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets
		WHERE position = ? AND dirty != ?
		ORDER BY file_id ASC LIMIT ? OFFSET ?`
	rows, err := db.conn.QueryContext(ctx, query, pos, DirtyDeleted, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets by position: %w", err)
	}
	defer rows.Close()

	return scanAssets(rows)
}

// EvictAssetLocal flips a locally-and-cloud-resident asset to cloud-only.
// The dirty marker is reset to new so the next sync round re-derives it.
func (db *DB) EvictAssetLocal(ctx context.Context, fileID int64) error {
	query := `UPDATE assets SET position = ?, dirty = ?, date_modified = ? WHERE file_id = ?`
	_, err := db.conn.ExecContext(ctx, query, PositionCloud, DirtyNew, time.Now().UnixMilli(), fileID)
	if err != nil {
		return fmt.Errorf("failed to evict asset %d: %w", fileID, err)
	}
	return nil
}

// PurgeAgedTombstones hard-deletes tombstoned rows older than the cutoff.
// Only rows without a cloud id are purged unconditionally; cloud-backed
// tombstones are purged once aged, on the assumption the deletion has had
// time to propagate. Returns the number of purged rows.
func (db *DB) PurgeAgedTombstones(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM assets WHERE dirty = ? AND date_modified < ?`,
		DirtyDeleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge aged tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged tombstones: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM album_map WHERE dirty = ?`, DirtyDeleted); err != nil {
		return n, fmt.Errorf("failed to purge consumed mappings: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*Asset, error) {
	var a Asset
	err := row.Scan(
		&a.FileID,
		&a.CloudID,
		&a.Data,
		&a.DisplayName,
		&a.Size,
		&a.MediaType,
		&a.Position,
		&a.Dirty,
		&a.OwnerAlbumID,
		&a.OriginalCloudID,
		&a.DateAdded,
		&a.DateModified,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// scanAssets is a helper to scan multiple assets from query results.
func scanAssets(rows *sql.Rows) ([]*Asset, error) {
	var assets []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}
