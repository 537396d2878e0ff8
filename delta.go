package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/saworbit/instpack/pkg/cas"
	"github.com/saworbit/instpack/pkg/diff"
	"github.com/saworbit/instpack/pkg/release"
)

func newDiffCmd(a *app) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "diff <old> <new> --output <patch>",
		Short: "Generate a diff that turns old into new",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return errors.New("output is required")
			}
			oldData, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			newData, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			engine, err := a.engine()
			if err != nil {
				return err
			}

			patch, err := diff.ComputeDiff(engine, oldData, newData, a.cfg.CompressionLevel)
			if err != nil {
				return fmt.Errorf("generate diff: %w", err)
			}
			if err := writeOutput(outPath, func(w io.Writer) error {
				_, err := w.Write(patch)
				return err
			}); err != nil {
				return err
			}

			stats := diff.ComputeStats(oldData, newData, patch)
			log.Printf("[diff] %s: %d bytes (%.1f%% of new, engine %s)",
				outPath, stats.PatchSize, 100*stats.CompressionRate, engine.Name())
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Output diff")
	return cmd
}

func newPatchCmd(a *app) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "patch <target> <diff>",
		Short: "Apply a diff to target in place, or write the result to --output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, diffPath := args[0], args[1]
			engine, err := a.engine()
			if err != nil {
				return err
			}

			df, err := os.Open(diffPath)
			if err != nil {
				return err
			}
			defer df.Close()
			info, err := df.Stat()
			if err != nil {
				return err
			}
			body := bufio.NewReaderSize(df, 64<<10)

			if outPath == "" {
				if err := diff.PatchFile(cmd.Context(), engine, target, body, info.Size()); err != nil {
					return fmt.Errorf("patch %s: %w", target, err)
				}
				log.Printf("[patch] %s patched", target)
				return nil
			}

			old, err := os.Open(target)
			if err != nil {
				return err
			}
			defer old.Close()
			oldInfo, err := old.Stat()
			if err != nil {
				return err
			}
			err = writeOutput(outPath, func(w io.Writer) error {
				if se, ok := engine.(*diff.StreamEngine); ok {
					return se.ApplyPatchContext(cmd.Context(), w, body, info.Size(), old, oldInfo.Size())
				}
				return engine.ApplyPatch(w, body, info.Size(), old, oldInfo.Size())
			})
			if err != nil {
				return fmt.Errorf("patch %s: %w", target, err)
			}
			log.Printf("[patch] wrote %s", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write the patched file here instead of replacing target")
	return cmd
}

func newGenCmd(a *app) *cobra.Command {
	var opts release.Options

	cmd := &cobra.Command{
		Use:   "gen --input-dir <dir> --output-dir <dir> --output-metadata <file>",
		Short: "Hash, compress and diff a release directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Config = a.cfg
			if a.cfg.CacheDir != "" {
				store, err := cas.Open(a.cfg.CacheDir, a.cfg.HashAlgo)
				if err != nil {
					return fmt.Errorf("open diff cache: %w", err)
				}
				defer store.Close()
				opts.Cache = store
			}
			_, err := release.Generate(cmd.Context(), opts)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Repo, "repo", "", "Repository name recorded in the metadata")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "Release tag recorded in the metadata")
	cmd.Flags().StringVar(&opts.InputDir, "input-dir", "", "Release directory")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "Directory for blobs and diffs")
	cmd.Flags().StringVar(&opts.MetadataPath, "output-metadata", "", "Metadata JSON path")
	cmd.Flags().StringSliceVar(&opts.DiffDirs, "diff-vers", nil, "Earlier release directories to diff against")
	return cmd
}
