package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/saworbit/instpack/pkg/cas"
	"github.com/saworbit/instpack/pkg/container"
	"github.com/saworbit/instpack/pkg/manifest"
)

func newPackCmd(a *app) *cobra.Command {
	var (
		basePath, configPath, metaPath, imagePath string
		dataDir, outPath                          string
		index                                     bool
	)

	cmd := &cobra.Command{
		Use:   "pack --config <json> --output <file> [files or dirs...]",
		Short: "Build a container from a base binary, a config and payload files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" || outPath == "" {
				return errors.New("config and output are required")
			}

			cfgJSON, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			if !json.Valid(cfgJSON) {
				return fmt.Errorf("config %s is not valid JSON", configPath)
			}
			layout := container.Layout{Config: cfgJSON, Index: index}

			var meta *manifest.RepoMetadata
			if metaPath != "" {
				if meta, err = manifest.ReadFile(metaPath); err != nil {
					return fmt.Errorf("read metadata: %w", err)
				}
				if err := meta.Validate(); err != nil {
					return fmt.Errorf("metadata %s: %w", metaPath, err)
				}
				if err := meta.VerifyRoot(); err != nil {
					return fmt.Errorf("metadata %s: %w", metaPath, err)
				}
				if layout.Meta, err = manifest.Marshal(meta); err != nil {
					return err
				}
			}
			if imagePath != "" {
				img, err := inputPayload(container.ImageName, imagePath)
				if err != nil {
					return err
				}
				layout.Image = &img
			}
			if dataDir != "" {
				files, err := dataFiles(dataDir, meta)
				if err != nil {
					return err
				}
				layout.Files = append(layout.Files, files...)
			}
			for _, arg := range args {
				files, err := collectInputs(arg)
				if err != nil {
					return err
				}
				layout.Files = append(layout.Files, files...)
			}

			base, closeBase, err := openBase(basePath, a.cfg.ScanChunkSize)
			if err != nil {
				return err
			}
			defer closeBase()

			log.Printf("[pack] metadata: %v, image: %v, files: %d", meta != nil, layout.Image != nil, len(layout.Files))
			var table []container.Embedded
			err = writeOutput(outPath, func(w io.Writer) error {
				var err error
				table, err = container.Build(w, base.File().SectionReader(0, base.BaseEnd()), base.BaseEnd(), layout)
				return err
			})
			if err != nil {
				return err
			}
			log.Printf("[pack] wrote %s: base %d bytes, %d entries", outPath, base.BaseEnd(), len(table))
			return nil
		},
	}

	cmd.Flags().StringVar(&basePath, "base", "", "Base binary (default: this executable without its entries)")
	cmd.Flags().StringVar(&configPath, "config", "", "Installer config JSON")
	cmd.Flags().StringVar(&metaPath, "metadata", "", "Release metadata produced by gen")
	cmd.Flags().StringVar(&imagePath, "image", "", "Image embedded after the config")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory of blobs and diffs produced by gen")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Output container")
	cmd.Flags().BoolVar(&index, "index", false, "Add an index entry")
	return cmd
}

func newAppendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "append <container> <files or dirs...>",
		Short: "Append entries to an existing container in place",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []container.Payload
			for _, arg := range args[1:] {
				more, err := collectInputs(arg)
				if err != nil {
					return err
				}
				files = append(files, more...)
			}
			added, err := container.Append(args[0], files)
			if err != nil {
				return err
			}
			for _, e := range added {
				log.Printf("[append] %s: %d bytes at %d", e.Name, e.Size, e.Offset)
			}
			return nil
		},
	}
}

func newReplaceBinCmd(a *app) *cobra.Command {
	var basePath, outPath string

	cmd := &cobra.Command{
		Use:   "replace-bin <container> --base <binary> --output <file>",
		Short: "Swap the base binary of a container, keeping its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if basePath == "" || outPath == "" {
				return errors.New("base and output are required")
			}
			c, err := container.OpenWithChunkSize(args[0], a.cfg.ScanChunkSize)
			if err != nil {
				return err
			}
			defer c.Close()

			newBase, closeBase, err := openBase(basePath, a.cfg.ScanChunkSize)
			if err != nil {
				return err
			}
			defer closeBase()

			return writeOutput(outPath, func(w io.Writer) error {
				table, err := container.ReplaceBase(w, c, newBase.File().SectionReader(0, newBase.BaseEnd()), newBase.BaseEnd())
				if err == nil {
					log.Printf("[replace-bin] base %d -> %d bytes, %d entries kept", c.BaseEnd(), newBase.BaseEnd(), len(table))
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&basePath, "base", "", "New base binary")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Output container")
	return cmd
}

func newStripCmd(a *app) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "strip <container> --output <file>",
		Short: "Write the base binary of a container without its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return errors.New("output is required")
			}
			c, err := container.OpenWithChunkSize(args[0], a.cfg.ScanChunkSize)
			if err != nil {
				return err
			}
			defer c.Close()
			return writeOutput(outPath, func(w io.Writer) error {
				return container.WriteBase(w, c)
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Output binary")
	return cmd
}

func newUnmarkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unmark <container>",
		Short: "Clear the layout record of the index entry in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := container.Unmark(args[0]); err != nil {
				return err
			}
			log.Printf("[unmark] %s", args[0])
			return nil
		},
	}
}

// openBase opens the binary to pack onto. Any entries it already carries are
// excluded through BaseEnd. An empty path means the running executable.
func openBase(path string, chunkSize int) (*container.Container, func(), error) {
	if path == "" {
		c, err := container.Self()
		if err != nil {
			return nil, nil, fmt.Errorf("open own executable: %w", err)
		}
		return c, func() {}, nil
	}
	c, err := container.OpenWithChunkSize(path, chunkSize)
	if err != nil {
		return nil, nil, fmt.Errorf("open base: %w", err)
	}
	return c, func() { c.Close() }, nil
}

// writeOutput writes path through a temporary file and renames it into place.
func writeOutput(path string, write func(io.Writer) error) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	w := bufio.NewWriterSize(f, 1<<20)
	if err = write(w); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func inputPayload(name, path string) (container.Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return container.Payload{}, err
	}
	if err := ensureReadable(path, info); err != nil {
		return container.Payload{}, err
	}
	return container.FilePayload(name, path)
}

// collectInputs turns a file into one payload named by its base name and a
// directory into one payload per regular file, named by its slash path
// relative to the directory.
func collectInputs(path string) ([]container.Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := inputPayload(filepath.Base(path), path)
		if err != nil {
			return nil, err
		}
		return []container.Payload{p}, nil
	}

	var out []container.Payload
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		pl, err := inputPayload(filepath.ToSlash(rel), p)
		if err != nil {
			return err
		}
		out = append(out, pl)
		return nil
	})
	return out, err
}

// dataFiles selects the gen output to embed. With metadata, every blob and
// patch it names is required. Without, every file whose name has no
// underscore is taken, which skips the diffs.
func dataFiles(dir string, meta *manifest.RepoMetadata) ([]container.Payload, error) {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	if meta != nil {
		for _, f := range meta.Hashed {
			if f.XXH == "" {
				return nil, fmt.Errorf("no hash for file %q", f.FileName)
			}
			add(f.XXH)
		}
		for _, p := range meta.Patches {
			if p.From.XXH == "" || p.To.XXH == "" {
				return nil, fmt.Errorf("no hash for patch of %q", p.FileName)
			}
			add(cas.DiffName(p.From.XXH, p.To.XXH))
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read data dir: %w", err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.Contains(e.Name(), "_") {
				add(e.Name())
			}
		}
	}

	out := make([]container.Payload, 0, len(names))
	for _, name := range names {
		p, err := inputPayload(name, filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
