// medialibd is the media library cloud-album daemon and management CLI.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloudgallery/medialib/internal/config"
	"github.com/cloudgallery/medialib/internal/logging"
	"github.com/cloudgallery/medialib/internal/store"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "medialibd",
	Short: "Media library cloud-album daemon",
	Long: `medialibd maintains the local media library database against a
cloud photo service.

It applies incoming cloud-record batches, reconciles album mappings and
duplicate albums, and manages bulk download of cloud-only assets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger = logging.New(logging.Options{
			Level:   cfg.Log.Level,
			File:    cfg.Log.File,
			Console: cfg.Log.Console,
		})
		return nil
	},
}

// openStore opens the configured database and ensures the schema exists.
func openStore(cmd *cobra.Command) (*store.DB, error) {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.InitSchema(cmd.Context()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(retainCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
