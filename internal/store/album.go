package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AlbumType classifies who owns an album.
type AlbumType int

const (
	// AlbumTypeUser is a user-created album.
	AlbumTypeUser AlbumType = 0
	// AlbumTypeSystem is a built-in system album (favorites, hidden, ...).
	AlbumTypeSystem AlbumType = 1024
	// AlbumTypeSource is owned by an application bundle (screenshots, ...).
	AlbumTypeSource AlbumType = 2048
)

// AlbumSubtype refines AlbumType.
type AlbumSubtype int

const (
	// SubtypeUserGeneric is the subtype of ordinary user albums.
	SubtypeUserGeneric AlbumSubtype = 1
	// SubtypeHidden is the subtype of the hidden/fallback system albums.
	SubtypeHidden AlbumSubtype = 1027
	// SubtypeSourceGeneric is the canonical subtype for source albums.
	// Legacy migrations left some source albums with a stale subtype;
	// reconciliation rewrites them to this constant.
	SubtypeSourceGeneric AlbumSubtype = 2049
)

// Album represents a row in the albums table.
//
// Identity is the local album id plus an optional cloud id. LPath is the
// logical, device-independent path used to match albums across devices when
// cloud ids differ (e.g. after a reinstall). At most one non-deleted album
// may exist for a given (bundle_name or album_name, lpath) key; the merge
// pass restores that invariant after cloud sync introduces clashes.
type Album struct {
	AlbumID    int64
	CloudID    string
	Name       string
	Type       AlbumType
	Subtype    AlbumSubtype
	LPath      string
	BundleName string
	Dirty      Dirty
	Count      int64 // denormalized non-deleted asset count
	CoverURI   string
}

const albumColumns = `album_id, cloud_id, album_name, album_type, album_subtype,
	lpath, bundle_name, dirty, count, cover_uri`

// InsertAlbum inserts a new album row and returns its id.
func (db *DB) InsertAlbum(ctx context.Context, a *Album) (int64, error) {
	if a.Name == "" {
		return 0, fmt.Errorf("album name is required")
	}

	query := `
	INSERT INTO albums (
		cloud_id, album_name, album_type, album_subtype, lpath,
		bundle_name, dirty, count, cover_uri
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := db.conn.ExecContext(ctx, query,
		a.CloudID, a.Name, a.Type, a.Subtype, a.LPath,
		a.BundleName, a.Dirty, a.Count, a.CoverURI,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert album: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted album id: %w", err)
	}
	a.AlbumID = id
	return id, nil
}

// GetAlbum retrieves a single album by id.
// Returns sql.ErrNoRows if the album is not found.
func (db *DB) GetAlbum(ctx context.Context, albumID int64) (*Album, error) {
	query := `SELECT ` + albumColumns + ` FROM albums WHERE album_id = ?`
	return scanAlbum(db.conn.QueryRowContext(ctx, query, albumID))
}

// GetAlbumByName retrieves the first non-deleted album with the given name.
// Returns sql.ErrNoRows if none exists.
func (db *DB) GetAlbumByName(ctx context.Context, name string) (*Album, error) {
	query := `SELECT ` + albumColumns + ` FROM albums
		WHERE album_name = ? AND dirty != ? ORDER BY album_id ASC`
	return scanAlbum(db.conn.QueryRowContext(ctx, query, name, DirtyDeleted))
}

// GetAlbumByLPath retrieves the first non-deleted album with the given lpath.
// Returns sql.ErrNoRows if none exists.
func (db *DB) GetAlbumByLPath(ctx context.Context, lpath string) (*Album, error) {
	query := `SELECT ` + albumColumns + ` FROM albums
		WHERE lpath = ? AND dirty != ? ORDER BY album_id ASC`
	return scanAlbum(db.conn.QueryRowContext(ctx, query, lpath, DirtyDeleted))
}

// ListActiveAlbumsOrdered returns all non-deleted albums in merge order.
//
// The ORDER BY clause is the duplicate-merge tie-break policy: among albums
// sharing a name, the survivor is the first of the run - highest subtype,
// then cloud-backed over pure-local, then highest asset count. The clause
// text is load-bearing; do not reorder it.
func (db *DB) ListActiveAlbumsOrdered(ctx context.Context) ([]*Album, error) {
	query := `SELECT ` + albumColumns + ` FROM albums WHERE dirty != ?
		ORDER BY album_name asc, album_subtype desc, cloud_id desc, count desc`
	rows, err := db.conn.QueryContext(ctx, query, DirtyDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list albums: %w", err)
	}
	defer rows.Close()

	return scanAlbums(rows)
}

// ListAlbumsByBundle returns all non-deleted albums owned by the bundle.
func (db *DB) ListAlbumsByBundle(ctx context.Context, bundle string) ([]*Album, error) {
	query := `SELECT ` + albumColumns + ` FROM albums
		WHERE bundle_name = ? AND dirty != ? ORDER BY album_id ASC`
	rows, err := db.conn.QueryContext(ctx, query, bundle, DirtyDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list albums for bundle %s: %w", bundle, err)
	}
	defer rows.Close()

	return scanAlbums(rows)
}

// UpdateAlbum writes all mutable columns of an existing album row.
func (db *DB) UpdateAlbum(ctx context.Context, a *Album) error {
	query := `
	UPDATE albums SET
		cloud_id = ?, album_name = ?, album_type = ?, album_subtype = ?,
		lpath = ?, bundle_name = ?, dirty = ?, count = ?, cover_uri = ?
	WHERE album_id = ?
	`
	_, err := db.conn.ExecContext(ctx, query,
		a.CloudID, a.Name, a.Type, a.Subtype, a.LPath,
		a.BundleName, a.Dirty, a.Count, a.CoverURI, a.AlbumID,
	)
	if err != nil {
		return fmt.Errorf("failed to update album %d: %w", a.AlbumID, err)
	}
	return nil
}

// TombstoneAlbum soft-deletes an album (dirty=4) so cloud sync can observe
// and propagate the deletion.
func (db *DB) TombstoneAlbum(ctx context.Context, albumID int64) error {
	query := `UPDATE albums SET dirty = ? WHERE album_id = ?`
	if _, err := db.conn.ExecContext(ctx, query, DirtyDeleted, albumID); err != nil {
		return fmt.Errorf("failed to tombstone album %d: %w", albumID, err)
	}
	return nil
}

// DeleteAlbum hard-deletes an album row. Only safe for albums that were
// never synced (empty cloud id); removing a cloud-backed row would
// desynchronize the remote replica.
func (db *DB) DeleteAlbum(ctx context.Context, albumID int64) error {
	query := `DELETE FROM albums WHERE album_id = ?`
	if _, err := db.conn.ExecContext(ctx, query, albumID); err != nil {
		return fmt.Errorf("failed to delete album %d: %w", albumID, err)
	}
	return nil
}

// DeleteEmptyAlbums removes albums left with zero non-deleted assets.
// Never-synced albums are hard-deleted; cloud-backed ones are tombstoned.
// The hidden fallback album is exempt. Returns the number of removed albums.
func (db *DB) DeleteEmptyAlbums(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
	DELETE FROM albums
	WHERE dirty != ? AND cloud_id = '' AND album_subtype != ?
	  AND album_id NOT IN (SELECT DISTINCT owner_album_id FROM assets WHERE dirty != ?)
	`, DirtyDeleted, SubtypeHidden, DirtyDeleted)
	if err != nil {
		return 0, fmt.Errorf("failed to delete empty albums: %w", err)
	}
	hard, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted empty albums: %w", err)
	}

	res, err = db.conn.ExecContext(ctx, `
	UPDATE albums SET dirty = ?
	WHERE dirty != ? AND cloud_id != '' AND album_subtype != ?
	  AND album_id NOT IN (SELECT DISTINCT owner_album_id FROM assets WHERE dirty != ?)
	`, DirtyDeleted, DirtyDeleted, SubtypeHidden, DirtyDeleted)
	if err != nil {
		return hard, fmt.Errorf("failed to tombstone empty albums: %w", err)
	}
	soft, err := res.RowsAffected()
	if err != nil {
		return hard, fmt.Errorf("failed to count tombstoned empty albums: %w", err)
	}
	return hard + soft, nil
}

// FixSourceAlbumSubtypes rewrites the subtype of source albums that a legacy
// migration left stale to the canonical constant. Returns the number of
// corrected rows.
func (db *DB) FixSourceAlbumSubtypes(ctx context.Context) (int64, error) {
	query := `UPDATE albums SET album_subtype = ?
		WHERE album_type = ? AND album_subtype != ? AND dirty != ?`
	res, err := db.conn.ExecContext(ctx, query,
		SubtypeSourceGeneric, AlbumTypeSource, SubtypeSourceGeneric, DirtyDeleted)
	if err != nil {
		return 0, fmt.Errorf("failed to fix source album subtypes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count fixed source albums: %w", err)
	}
	return n, nil
}

// RefreshAlbumStats recomputes the denormalized count and cover_uri columns
// for all non-deleted albums inside a single transaction. The cover is the
// path of the album's most recently modified asset.
func (db *DB) RefreshAlbumStats(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	countQuery := `
	UPDATE albums SET count = (
		SELECT COUNT(*) FROM assets
		WHERE assets.owner_album_id = albums.album_id AND assets.dirty != ?
	)
	WHERE dirty != ?
	`
	if _, err := tx.ExecContext(ctx, countQuery, DirtyDeleted, DirtyDeleted); err != nil {
		return fmt.Errorf("failed to refresh album counts: %w", err)
	}

	coverQuery := `
	UPDATE albums SET cover_uri = COALESCE((
		SELECT data FROM assets
		WHERE assets.owner_album_id = albums.album_id AND assets.dirty != ?
		ORDER BY date_modified DESC, file_id DESC LIMIT 1
	), '')
	WHERE dirty != ?
	`
	if _, err := tx.ExecContext(ctx, coverQuery, DirtyDeleted, DirtyDeleted); err != nil {
		return fmt.Errorf("failed to refresh album covers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stats refresh: %w", err)
	}
	return nil
}

func scanAlbum(row rowScanner) (*Album, error) {
	var a Album
	err := row.Scan(
		&a.AlbumID,
		&a.CloudID,
		&a.Name,
		&a.Type,
		&a.Subtype,
		&a.LPath,
		&a.BundleName,
		&a.Dirty,
		&a.Count,
		&a.CoverURI,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// scanAlbums is a helper to scan multiple albums from query results.
func scanAlbums(rows *sql.Rows) ([]*Album, error) {
	var albums []*Album
	for rows.Next() {
		a, err := scanAlbum(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan album: %w", err)
		}
		albums = append(albums, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating albums: %w", err)
	}
	return albums, nil
}
