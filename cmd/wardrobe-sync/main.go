// Command wardrobe-sync runs the offline-first wardrobe cache: a sync daemon
// plus local commands to inspect and edit cached records.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardrobekit/backend/internal/app"
	"github.com/wardrobekit/backend/internal/config"
	"github.com/wardrobekit/backend/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

type rootOptions struct {
	configFile string
	logLevel   string

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "wardrobe-sync",
		Short:         "Offline-first cache and mutation sync for wardrobe data",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Log.Level = opts.logLevel
			}
			opts.cfg = cfg
			opts.initLogging(cmd.ErrOrStderr())
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logCloser != nil {
				opts.logCloser.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newServeCmd(opts),
		newWriteCmd(opts),
		newReadCmd(opts),
		newListCmd(opts),
		newDeleteCmd(opts),
		newPendingCmd(opts),
		newWipeCmd(opts),
		newNetCmd(opts),
	)
	return cmd
}

func (o *rootOptions) initLogging(stderr io.Writer) {
	level := logging.ParseLevel(o.cfg.Log.Level)
	if o.cfg.Log.File != "" {
		w := logging.InitFile(logging.FileConfig{
			Path:      o.cfg.Log.File,
			MaxSizeMB: o.cfg.Log.MaxSizeMB,
		}, level)
		o.logCloser = w
		return
	}
	logging.SetDefault(logging.New(stderr, level))
}

// openLocal opens the cache without syncing, for the one-shot commands.
func (o *rootOptions) openLocal(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, o.cfg, app.Options{})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
