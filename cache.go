package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/saworbit/instpack/pkg/cas"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clean the diff cache",
	}

	open := func() (*cas.Store, error) {
		if a.cfg.CacheDir == "" {
			return nil, errors.New("no cache directory configured (use --cache-dir or INSTPACK_CACHE_DIR)")
		}
		return cas.Open(a.cfg.CacheDir, a.cfg.HashAlgo)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print object and link counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "objects:      %d\n", stats.Objects)
			fmt.Fprintf(out, "stored bytes: %d\n", stats.StoredBytes)
			fmt.Fprintf(out, "links:        %d\n", stats.Links)
			fmt.Fprintf(out, "unreferenced: %d\n", stats.Unreferenced)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "gc",
		Short: "Delete objects no diff link points to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.GarbageCollect()
			if err != nil {
				return err
			}
			log.Printf("[cache] removed %d unreferenced objects", deleted)
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", deleted)
			return nil
		},
	})
	return cmd
}
