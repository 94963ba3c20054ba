package cli

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/evanofslack/cloud-dns-sync/internal/config"
	"github.com/evanofslack/cloud-dns-sync/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	envFile    string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "cloud-dns-sync",
		Short: "Reconcile DNS zones toward a declared record set",
		Long:  "cloud-dns-sync keeps Cloudflare, Route 53 and Linode zones in line with a YAML file of desired records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CLOUD_DNS_SYNC_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "Config file (env CLOUD_DNS_SYNC_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Dotenv file loaded before the config")

	cmd.PersistentPreRunE = func(c *cobra.Command, _ []string) error {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		logger.Configure(cfg.Log.Level, cfg.Log.Env)
		opts.cfg = cfg
		return nil
	}

	cmd.AddCommand(newCmdSync(opts))
	cmd.AddCommand(newCmdPlan(opts))
	cmd.AddCommand(newCmdList(opts))
	cmd.AddCommand(newCmdStatus(opts))
	return cmd
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		slog.Error("Failed", "error", err)
		os.Exit(1)
	}
}
