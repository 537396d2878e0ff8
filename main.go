package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/saworbit/instpack/internal/metrics"
	"github.com/saworbit/instpack/internal/version"
	"github.com/saworbit/instpack/pkg/config"
	"github.com/saworbit/instpack/pkg/diff"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd(config.LoadFromEnv())
	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

// app carries the resolved configuration to every subcommand.
type app struct {
	cfg *config.Config
}

func (a *app) engine() (diff.DiffEngine, error) {
	return diff.NewDiffEngine(a.cfg)
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	a := &app{cfg: cfg}

	root := &cobra.Command{
		Use:           "instpack",
		Short:         "instpack - self-contained installer container and delta tool",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			metrics.SetBuildInfo("", "", version.Resolve().Version)
			if a.cfg.MetricsAddr != "" {
				go func() {
					if err := metrics.Serve(cmd.Context(), a.cfg.MetricsAddr, log.Default()); err != nil {
						log.Printf("[Metrics] endpoint stopped: %v", err)
					}
				}()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.DiffLibrary, "engine", cfg.DiffLibrary, "Diff engine (sdelta or bsdiff)")
	flags.StringVar(&cfg.Compression, "compression", cfg.Compression, "sdelta body codec (none, zstd or xz)")
	flags.IntVar(&cfg.CompressionLevel, "level", cfg.CompressionLevel, "Compression level, 0 disables diff body compression")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker goroutines for hashing and diffing")
	flags.IntVar(&cfg.MaxScratchMB, "max-scratch-mb", cfg.MaxScratchMB, "Largest scratch buffer a patch may request")
	flags.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Diff cache directory (empty disables the cache)")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")

	root.AddCommand(
		newPackCmd(a),
		newAppendCmd(a),
		newListCmd(a),
		newExtractCmd(a),
		newReplaceBinCmd(a),
		newStripCmd(a),
		newUnmarkCmd(a),
		newDiffCmd(a),
		newPatchCmd(a),
		newGenCmd(a),
		newCacheCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Resolve()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version:    %s\n", info.Version)
			if info.Commit != "" {
				fmt.Fprintf(out, "commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				fmt.Fprintf(out, "build time: %s\n", info.BuildTime)
			}
			return nil
		},
	}
}
