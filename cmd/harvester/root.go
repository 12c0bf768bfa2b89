package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hirefetch/harvester/internal/config"
	"github.com/hirefetch/harvester/internal/logger"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:     "harvester",
		Short:   "Bulk-download candidate resumes from a recruiting platform",
		Version: "v0.1.0",
		Long: `Harvester walks the candidate listing of a job on the recruiting platform and
saves every attached resume under one directory per job. Downloads that hit a
login challenge pause until fresh session cookies are supplied.

Examples:
  harvester serve
  harvester fetch 4821 --cookies cookies.json
  harvester watch http://localhost:8000 2f9c6d1e-...

Environment Variables:
  HARVEST_CONFIG      YAML config file
  OUTPUT_DIR          Directory that receives one folder per job
  PLATFORM_BASE_URL   Recruiting platform origin
  HARVEST_COOKIES     Default credential JSON for downloads started without cookies`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if a.logLevel != "" {
				cfg.LogLevel = a.logLevel
			}
			log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.Debug})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (overrides HARVEST_CONFIG)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(a), newFetchCmd(a), newWatchCmd(a))
	return root
}
