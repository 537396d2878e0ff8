package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/saworbit/instpack/internal/platform"
	"github.com/saworbit/instpack/pkg/container"
)

type listedEntry struct {
	Name      string `json:"name"`
	Reserved  bool   `json:"reserved,omitempty"`
	Offset    int64  `json:"offset"`
	RawOffset int64  `json:"raw_offset"`
	Size      int64  `json:"size"`
}

type listing struct {
	Size    int64         `json:"size"`
	BaseEnd int64         `json:"base_end"`
	Entries []listedEntry `json:"entries"`
}

// displayName shows reserved entries without their leading zero byte.
func displayName(name string) string {
	if container.IsReserved(name) {
		return "<" + strings.TrimPrefix(name, container.ReservedPrefix) + ">"
	}
	return name
}

func newListCmd(a *app) *cobra.Command {
	var asJSON, verify bool

	cmd := &cobra.Command{
		Use:   "list <container>",
		Short: "List the entries of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := container.OpenWithChunkSize(args[0], a.cfg.ScanChunkSize)
			if err != nil {
				return err
			}
			defer c.Close()

			if verify {
				if err := c.ValidateLayout(); err != nil {
					return err
				}
				err := container.VerifyIndex(c)
				switch {
				case errors.Is(err, container.ErrNoIndex):
					log.Printf("[list] %s has no index", args[0])
				case err != nil:
					return err
				default:
					log.Printf("[list] index matches entries")
				}
			}

			l := listing{Size: c.Size(), BaseEnd: c.BaseEnd()}
			for _, e := range c.Entries() {
				l.Entries = append(l.Entries, listedEntry{
					Name:      e.Name,
					Reserved:  e.Reserved(),
					Offset:    e.Offset,
					RawOffset: e.RawOffset,
					Size:      e.Size,
				})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(l)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintf(tw, "OFFSET\tSIZE\t NAME\n")
			fmt.Fprintf(tw, "%d\t%d\t <BASE>\n", 0, l.BaseEnd)
			for _, e := range l.Entries {
				fmt.Fprintf(tw, "%d\t%d\t %s\n", e.Offset, e.Size, displayName(e.Name))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&verify, "verify", false, "Check the layout and the index before listing")
	return cmd
}

func newExtractCmd(a *app) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "extract <container> --output <dir> [names...]",
		Short: "Write entries of a container to a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				return errors.New("output is required")
			}
			c, err := container.OpenWithChunkSize(args[0], a.cfg.ScanChunkSize)
			if err != nil {
				return err
			}
			defer c.Close()

			if len(args) == 1 {
				written, err := container.ExtractAll(c, outDir)
				log.Printf("[extract] %d files written to %s", len(written), outDir)
				return err
			}

			for _, name := range args[1:] {
				if container.IsReserved(name) {
					return fmt.Errorf("%w: %q", container.ErrReservedName, displayName(name))
				}
				e, ok := c.Find(name)
				if !ok {
					return fmt.Errorf("%w: %q", container.ErrNotFound, name)
				}
				dest, err := platform.SafeJoin(outDir, name)
				if err != nil {
					return fmt.Errorf("%w: %q", container.ErrUnsafePath, name)
				}
				if err := c.Extract(e, dest); err != nil {
					return err
				}
				log.Printf("[extract] %s -> %s", name, dest)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "Destination directory")
	return cmd
}
