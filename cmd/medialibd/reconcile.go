package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudgallery/medialib/internal/copier"
	"github.com/cloudgallery/medialib/internal/fusion"
	"github.com/cloudgallery/medialib/internal/notify"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one full reconciliation pass",
	Long: `Run one full reconciliation pass over the library database.

This performs:
  1. Mapping resolution: unmatched album mappings are resolved into asset
     ownership, cloning assets mapped into multiple albums
  2. Album merge: active albums sharing a display name are merged, legacy
     screenshot/screen-recorder bundles unified
  3. Stats refresh: album counts and covers are recomputed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		cp := copier.New(cfg.CloudRoot, nil, logger)
		engine := fusion.New(db, cp, notify.Discard, nil, logger)

		start := time.Now()

		report, err := engine.ResolveNotMatchedMapping(cmd.Context())
		if err != nil {
			return fmt.Errorf("mapping resolution failed: %w", err)
		}
		fmt.Printf("Mappings resolved: %d items, %d failed, %d assets swept\n",
			len(report.Items), report.Failed(), report.Swept)

		report, err = engine.MergeDuplicateAlbums(cmd.Context())
		if err != nil {
			return fmt.Errorf("album merge failed: %w", err)
		}
		fmt.Printf("Albums merged:     %d items, %d failed, %d assets swept\n",
			len(report.Items), report.Failed(), report.Swept)

		fmt.Printf("Done in %v\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var retainCmd = &cobra.Command{
	Use:   "retain",
	Short: "Evict local copies of cloud-backed assets",
	Long: `Flip every locally-and-cloud-resident asset to cloud-only and delete
the evicted local files.

File deletion runs as a throttled background loop (one batch per second),
so this command waits for it to finish before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		mgr := newManager(db, nil)
		result, err := mgr.ForceRetainDownloadCloudMedia(cmd.Context(), notify.Discard)
		if err != nil {
			return err
		}

		fmt.Printf("Evicted %d assets, removed %d empty albums, deleting %d files...\n",
			result.Evicted, result.AlbumsRemoved, result.FilesQueued)

		for mgr.DeleteRunning() {
			select {
			case <-cmd.Context().Done():
				mgr.CancelDelete()
				return cmd.Context().Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		fmt.Println("Done")
		return nil
	},
}
