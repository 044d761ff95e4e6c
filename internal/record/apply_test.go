package record

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudgallery/medialib/internal/store"
)

func testApplier(t *testing.T) (*Applier, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))
	return NewApplier(db, zerolog.Nop()), db
}

func TestApplyBatch_CreateWithAlbumPlacement(t *testing.T) {
	ap, db := testApplier(t)
	ctx := context.Background()

	result, err := ap.ApplyBatch(ctx, []*CloudRecord{
		{Op: OpCreate, CloudID: "c1", Path: "/p/a.jpg", DisplayName: "a.jpg",
			Size: 10, MediaType: 1, AlbumLPath: "/Pictures/Trip", AlbumName: "Trip"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Zero(t, result.Failed())

	// The pulled album was created from the record's lpath.
	album, err := db.GetAlbumByLPath(ctx, "/Pictures/Trip")
	require.NoError(t, err)
	assert.Equal(t, "Trip", album.Name)

	asset, err := db.GetAssetByCloudID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, album.AlbumID, asset.OwnerAlbumID)
	assert.Equal(t, store.PositionCloud, asset.Position)

	// Membership was mirrored into the legacy mapping table.
	var n int
	require.NoError(t, db.RawDB().QueryRow(
		`SELECT COUNT(*) FROM album_map WHERE map_asset = ? AND map_album = ?`,
		asset.FileID, album.AlbumID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestApplyBatch_CreateRedeliveryBecomesModify(t *testing.T) {
	ap, db := testApplier(t)
	ctx := context.Background()

	first := []*CloudRecord{{Op: OpCreate, CloudID: "c1", Path: "/p/a.jpg", Size: 10}}
	_, err := ap.ApplyBatch(ctx, first)
	require.NoError(t, err)

	result, err := ap.ApplyBatch(ctx, []*CloudRecord{
		{Op: OpCreate, CloudID: "c1", Path: "/p/a.jpg", Size: 25},
	})
	require.NoError(t, err)
	assert.Zero(t, result.Created)
	assert.Equal(t, 1, result.Modified)

	asset, err := db.GetAssetByCloudID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), asset.Size)

	// Only one row exists for the cloud id.
	var n int
	require.NoError(t, db.RawDB().QueryRow(
		`SELECT COUNT(*) FROM assets WHERE cloud_id = 'c1'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestApplyBatch_ModifyPromotesLocalToBoth(t *testing.T) {
	ap, db := testApplier(t)
	ctx := context.Background()

	_, err := db.InsertAsset(ctx, &store.Asset{
		Data: "/p/local.jpg", CloudID: "c1",
		Position: store.PositionLocal, Dirty: store.DirtyNew,
	})
	require.NoError(t, err)

	result, err := ap.ApplyBatch(ctx, []*CloudRecord{
		{Op: OpModify, CloudID: "c1", ModifiedAt: 99},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Modified)

	asset, err := db.GetAssetByCloudID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.PositionBoth, asset.Position)
	assert.Equal(t, store.DirtySynced, asset.Dirty)
}

func TestApplyBatch_ModifyUnknownAssetFails(t *testing.T) {
	ap, _ := testApplier(t)

	result, err := ap.ApplyBatch(context.Background(), []*CloudRecord{
		{Op: OpModify, CloudID: "ghost"},
	})
	require.NoError(t, err, "batch itself must not fail")
	assert.Equal(t, 1, result.Failed())
	assert.Zero(t, result.Modified)
}

func TestApplyBatch_DeleteIsIdempotent(t *testing.T) {
	ap, db := testApplier(t)
	ctx := context.Background()

	id, err := db.InsertAsset(ctx, &store.Asset{Data: "/p/a.jpg", CloudID: "c1"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result, err := ap.ApplyBatch(ctx, []*CloudRecord{{Op: OpDelete, CloudID: "c1"}})
		require.NoError(t, err)
		assert.Zero(t, result.Failed())
	}

	asset, err := db.GetAsset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.DirtyDeleted, asset.Dirty)
}

func TestApplyBatch_CopyChainsOriginal(t *testing.T) {
	ap, db := testApplier(t)
	ctx := context.Background()

	result, err := ap.ApplyBatch(ctx, []*CloudRecord{
		{Op: OpCopy, CloudID: "c2", Path: "/p/b.jpg", OriginalCloudID: "c1",
			AlbumLPath: "/Pictures/B", AlbumName: "B"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Copied)

	asset, err := db.GetAssetByCloudID(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "c1", asset.OriginalCloudID)
	assert.NotZero(t, asset.OwnerAlbumID)
}

func TestApplyBatch_ErrorsDoNotStopSiblings(t *testing.T) {
	ap, db := testApplier(t)
	ctx := context.Background()

	result, err := ap.ApplyBatch(ctx, []*CloudRecord{
		{Op: OpModify, CloudID: "ghost"}, // fails
		{Op: OpCreate, CloudID: "c1", Path: "/p/a.jpg"},
		{Op: "rename", CloudID: "c2"}, // unknown op
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed())
	assert.Equal(t, 1, result.Created)

	_, err = db.GetAssetByCloudID(ctx, "c1")
	assert.NoError(t, err)
}

func TestApplyBatch_NoPlacementLeavesUnowned(t *testing.T) {
	ap, db := testApplier(t)
	ctx := context.Background()

	_, err := ap.ApplyBatch(ctx, []*CloudRecord{
		{Op: OpCreate, CloudID: "c1", Path: "/p/a.jpg"},
	})
	require.NoError(t, err)

	asset, err := db.GetAssetByCloudID(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, asset.OwnerAlbumID, "no placement means unowned until the sweep")

	_, err = db.GetAlbumByLPath(ctx, "/Pictures/anything")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}
