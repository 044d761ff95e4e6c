package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudgallery/medialib/internal/record"
)

var importCmd = &cobra.Command{
	Use:   "import <batch.jsonl>...",
	Short: "Apply cloud-record batches to the library",
	Long: `Read one or more JSONL cloud-record batch files and apply them to
the library database.

Each line is one record with an "op" of create, modify, delete or copy.
Records that fail validation or application are reported and skipped; the
rest of the batch still applies.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		applier := record.NewApplier(db, logger)
		start := time.Now()

		for _, path := range args {
			records, err := record.ReadBatch(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			result, err := applier.ApplyBatch(cmd.Context(), records)
			if err != nil {
				return fmt.Errorf("failed to apply %s: %w", path, err)
			}

			fmt.Printf("%s: %d created, %d modified, %d deleted, %d copied, %d failed\n",
				path, result.Created, result.Modified, result.Deleted,
				result.Copied, result.Failed())
		}

		fmt.Printf("Done in %v\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
