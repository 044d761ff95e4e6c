package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudgallery/medialib/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show library database status",
	Long: `Display the current state of the library database.

Shows:
  - Database file location and size
  - Asset counts by residency (local, cloud, both)
  - Active albums and their asset counts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(cfg.DatabasePath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("Library database not initialized")
				fmt.Println("Run 'medialibd import' or 'medialibd daemon' to create it")
				return nil
			}
			return fmt.Errorf("failed to stat database: %w", err)
		}

		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Printf("Database: %s (%d KB)\n\n", cfg.DatabasePath, info.Size()/1024)

		fmt.Println("Assets:")
		for _, p := range []struct {
			pos  store.Position
			name string
		}{
			{store.PositionLocal, "local only"},
			{store.PositionCloud, "cloud only"},
			{store.PositionBoth, "local and cloud"},
		} {
			n, err := db.CountAssetsByPosition(cmd.Context(), p.pos)
			if err != nil {
				return err
			}
			fmt.Printf("  %-16s %d\n", p.name, n)
		}

		albums, err := db.ListActiveAlbumsOrdered(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("\nAlbums: %d active\n", len(albums))
		for _, a := range albums {
			fmt.Printf("  %-24s %4d assets  %s\n", a.Name, a.Count, a.LPath)
		}
		return nil
	},
}
