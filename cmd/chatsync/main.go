package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/chatsync/internal/config"
	applog "github.com/vovakirdan/chatsync/internal/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Terminal client for the Redis chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			boot := applog.New("info", "console")
			cfg, path, err := config.Load(boot, opts.configPath)
			if err != nil {
				return err
			}
			cfg.UpdateFrom(config.Config{LogLevel: opts.logLevel})
			opts.cfg = cfg
			opts.logger = applog.New(cfg.LogLevel, cfg.LogFormat)
			opts.logger.Debug().Str("config", path).Str("server_url", cfg.ServerURL).Msg("configuration loaded")
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default ./config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(opts), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s\n", version)
		},
	}
}
