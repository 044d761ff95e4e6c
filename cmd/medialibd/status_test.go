package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudgallery/medialib/internal/config"
	"github.com/cloudgallery/medialib/internal/store"
)

// setConfig points the command globals at a fresh config for one test.
func setConfig(t *testing.T, dbPath string) {
	t.Helper()
	prev := cfg
	cfg = &config.Config{DatabasePath: dbPath}
	t.Cleanup(func() { cfg = prev })
	statusCmd.SetContext(context.Background())
}

func TestStatusCmd_MissingDatabase(t *testing.T) {
	setConfig(t, filepath.Join(t.TempDir(), "nope.db"))

	// A database that does not exist yet is reported, not created.
	require.NoError(t, statusCmd.RunE(statusCmd, nil))
	_, err := os.Stat(cfg.DatabasePath)
	assert.True(t, os.IsNotExist(err))
}

func TestStatusCmd_UnreadableDatabasePath(t *testing.T) {
	// A path whose parent is a regular file stats with an error other than
	// not-exist; that must surface as an error, not fall through.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	setConfig(t, filepath.Join(blocker, "library.db"))

	assert.Error(t, statusCmd.RunE(statusCmd, nil))
}

func TestStatusCmd_ReportsAlbums(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "library.db")

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(ctx))
	album, err := db.InsertAlbum(ctx, &store.Album{Name: "Trip", LPath: "/Pictures/Trip"})
	require.NoError(t, err)
	_, err = db.InsertAsset(ctx, &store.Asset{
		Data: "/p/1.jpg", Position: store.PositionLocal, OwnerAlbumID: album,
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	setConfig(t, dbPath)
	require.NoError(t, statusCmd.RunE(statusCmd, nil))
}
