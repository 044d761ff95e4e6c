package store

import (
	"context"
	"fmt"
)

// Mapping is a row of the legacy album_map membership mirror.
//
// Cloud sync can update an asset's owner_album_id without updating the
// mirror (or vice versa), producing "not matched" pairs that the
// reconciliation engine consumes.
type Mapping struct {
	AssetID int64
	AlbumID int64
	Dirty   Dirty
}

// InsertMapping inserts a membership mirror row. Re-inserting an existing
// pair resets its dirty marker.
func (db *DB) InsertMapping(ctx context.Context, assetID, albumID int64) error {
	query := `
	INSERT INTO album_map (map_asset, map_album, dirty) VALUES (?, ?, ?)
	ON CONFLICT(map_asset, map_album) DO UPDATE SET dirty = excluded.dirty
	`
	if _, err := db.conn.ExecContext(ctx, query, assetID, albumID, DirtyNew); err != nil {
		return fmt.Errorf("failed to insert mapping %d->%d: %w", assetID, albumID, err)
	}
	return nil
}

// NotMatchedMappings returns every live mapping pair that disagrees with the
// asset's current owner album. The ordering (asset asc, album asc) fixes the
// first-candidate-wins policy of the reconciliation engine; keep it stable.
func (db *DB) NotMatchedMappings(ctx context.Context) ([]Mapping, error) {
	query := `
	SELECT m.map_asset, m.map_album, m.dirty
	FROM album_map m
	JOIN assets a ON a.file_id = m.map_asset
	WHERE m.dirty != ? AND a.dirty != ? AND a.owner_album_id != m.map_album
	ORDER BY m.map_asset ASC, m.map_album ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, DirtyDeleted, DirtyDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query not-matched mappings: %w", err)
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.AssetID, &m.AlbumID, &m.Dirty); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return mappings, nil
}

// ConsumeMapping marks a mapping row as consumed (dirty=4) once the
// reconciliation engine has acted on it.
func (db *DB) ConsumeMapping(ctx context.Context, assetID, albumID int64) error {
	query := `UPDATE album_map SET dirty = ? WHERE map_asset = ? AND map_album = ?`
	if _, err := db.conn.ExecContext(ctx, query, DirtyDeleted, assetID, albumID); err != nil {
		return fmt.Errorf("failed to consume mapping %d->%d: %w", assetID, albumID, err)
	}
	return nil
}

// RetargetMappings moves all live mirror rows from one album to another.
// Pairs that would collide with an existing row for the target album are
// dropped instead of moved.
func (db *DB) RetargetMappings(ctx context.Context, fromAlbum, toAlbum int64) error {
	del := `
	DELETE FROM album_map WHERE map_album = ? AND map_asset IN
		(SELECT map_asset FROM album_map WHERE map_album = ?)
	`
	if _, err := db.conn.ExecContext(ctx, del, fromAlbum, toAlbum); err != nil {
		return fmt.Errorf("failed to drop colliding mappings %d -> %d: %w", fromAlbum, toAlbum, err)
	}

	upd := `UPDATE album_map SET map_album = ? WHERE map_album = ?`
	if _, err := db.conn.ExecContext(ctx, upd, toAlbum, fromAlbum); err != nil {
		return fmt.Errorf("failed to retarget mappings %d -> %d: %w", fromAlbum, toAlbum, err)
	}
	return nil
}
