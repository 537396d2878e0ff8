// Package release turns a directory of release files into published blobs,
// diffs against earlier releases and the metadata describing both.
package release

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/saworbit/instpack/internal/metrics"
	"github.com/saworbit/instpack/pkg/cas"
	"github.com/saworbit/instpack/pkg/config"
	"github.com/saworbit/instpack/pkg/diff"
	"github.com/saworbit/instpack/pkg/manifest"
)

// Options configures Generate.
type Options struct {
	Repo string
	Tag  string

	InputDir     string
	OutputDir    string
	MetadataPath string

	// DiffDirs are unpacked earlier releases to diff against.
	DiffDirs []string

	// Config supplies thresholds, workers and levels. Nil means defaults.
	Config *config.Config
	// Engine defaults to the one named by Config.
	Engine diff.DiffEngine
	// Cache memoises diffs across runs when set.
	Cache *cas.Store
	// Logger defaults to the standard logger.
	Logger *log.Logger
}

type generator struct {
	opts   Options
	cfg    *config.Config
	engine diff.DiffEngine
	// format keys the diff cache by what engine writes.
	format string
	logger *log.Logger

	mu      sync.Mutex
	patches []manifest.PatchInfo
	seen    map[string]bool
}

// Generate hashes the input directory, compresses every file into
// OutputDir/<hash>, writes a diff OutputDir/<old>_<new> for each changed
// file found in DiffDirs, and writes the metadata. The metadata is written
// once before diffing so a failed diff run still leaves a usable release.
func Generate(ctx context.Context, opts Options) (*manifest.RepoMetadata, error) {
	start := time.Now()
	defer metrics.ObservePack(start, "gen")

	g, err := newGenerator(opts)
	if err != nil {
		return nil, err
	}

	g.logger.Printf("[gen] hashing %s", opts.InputDir)
	files, err := manifest.Scan(ctx, opts.InputDir, g.cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", opts.InputDir, err)
	}
	root, err := manifest.Root(files)
	if err != nil {
		return nil, err
	}
	meta := &manifest.RepoMetadata{
		RepoName: opts.Repo,
		TagName:  opts.Tag,
		Hashed:   files,
		Root:     root,
	}
	if err := manifest.WriteFile(opts.MetadataPath, meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := g.compressAll(ctx, files); err != nil {
		return nil, err
	}

	if len(opts.DiffDirs) == 0 {
		g.logger.Printf("[gen] done: %d files", len(files))
		return meta, nil
	}

	var deletes []string
	for _, dir := range opts.DiffDirs {
		prev, err := g.diffAgainst(ctx, dir, files)
		if err != nil {
			return nil, err
		}
		for _, name := range manifest.Deletes(prev, files) {
			if !slices.Contains(deletes, name) {
				deletes = append(deletes, name)
			}
		}
	}
	slices.Sort(deletes)

	slices.SortFunc(g.patches, func(a, b manifest.PatchInfo) int {
		if c := strings.Compare(a.FileName, b.FileName); c != 0 {
			return c
		}
		return strings.Compare(a.From.XXH, b.From.XXH)
	})
	meta.Patches = g.patches
	meta.Deletes = deletes
	if err := manifest.WriteFile(opts.MetadataPath, meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	g.logger.Printf("[gen] done: %d files, %d patches, %d deletes", len(files), len(meta.Patches), len(deletes))
	return meta, nil
}

func newGenerator(opts Options) (*generator, error) {
	if opts.InputDir == "" || opts.OutputDir == "" || opts.MetadataPath == "" {
		return nil, errors.New("input dir, output dir and metadata path are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine := opts.Engine
	if engine == nil {
		var err error
		if engine, err = diff.NewDiffEngine(cfg); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &generator{
		opts:   opts,
		cfg:    cfg,
		engine: engine,
		format: diff.Format(engine, cfg.CompressionLevel),
		logger: logger,
		seen:   make(map[string]bool),
	}, nil
}

func (g *generator) compressAll(ctx context.Context, files []manifest.FileMetadata) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Workers)

	done := make(map[string]bool, len(files))
	for _, f := range files {
		f := f
		if done[f.XXH] {
			continue
		}
		done[f.XXH] = true
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src := filepath.Join(g.opts.InputDir, filepath.FromSlash(f.FileName))
			dst := filepath.Join(g.opts.OutputDir, f.XXH)
			g.logger.Printf("[gen] compressing %s to %s", f.FileName, dst)
			return compressFile(src, dst, g.cfg.CompressionLevel)
		})
	}
	return eg.Wait()
}

// compressFile writes a zstd stream of src to dst via a temporary file.
func compressFile(src, dst string, level int) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(out)
	enc, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return err
	}
	if _, err = io.Copy(enc, in); err != nil {
		enc.Close()
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err = enc.Close(); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// diffAgainst diffs every eligible file against its counterpart in dir and
// returns the files of dir for delete detection.
func (g *generator) diffAgainst(ctx context.Context, dir string, files []manifest.FileMetadata) ([]manifest.FileMetadata, error) {
	g.logger.Printf("[gen] diffing against %s", dir)
	names, err := manifest.List(dir)
	if err != nil {
		return nil, err
	}
	prev := make([]manifest.FileMetadata, len(names))
	for i, n := range names {
		prev[i].FileName = n
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Workers)
	for _, f := range files {
		f := f
		if !g.cfg.ShouldDiff(int64(f.Size)) {
			continue
		}
		oldPath := filepath.Join(dir, filepath.FromSlash(f.FileName))
		if _, err := os.Stat(oldPath); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return g.diffOne(f, oldPath)
		})
	}
	return prev, eg.Wait()
}

func (g *generator) diffOne(f manifest.FileMetadata, oldPath string) error {
	oldHash, err := manifest.HashFile(oldPath)
	if err != nil {
		return err
	}
	if oldHash == f.XXH {
		return nil
	}

	key := cas.DiffName(oldHash, f.XXH)
	g.mu.Lock()
	dup := g.seen[f.FileName+"/"+key]
	g.seen[f.FileName+"/"+key] = true
	g.mu.Unlock()
	if dup {
		return nil
	}

	oldData, err := os.ReadFile(oldPath)
	if err != nil {
		return err
	}
	patch, err := g.computeDiff(oldHash, f, oldData)
	if err != nil {
		return fmt.Errorf("diff %s: %w", f.FileName, err)
	}

	if float64(len(patch)) > g.cfg.MaxDiffRatio*float64(f.Size) {
		g.logger.Printf("[gen] %s: diff of %d bytes too large for %d byte file, skipped", f.FileName, len(patch), f.Size)
		return nil
	}
	out := filepath.Join(g.opts.OutputDir, key)
	if err := os.WriteFile(out, patch, 0o644); err != nil {
		return err
	}
	metrics.ObserveStorageSavings(int64(f.Size), int64(len(patch)))
	g.logger.Printf("[gen] %s: wrote %s (%d bytes)", f.FileName, out, len(patch))

	g.mu.Lock()
	g.patches = append(g.patches, manifest.PatchInfo{
		FileName: f.FileName,
		Size:     uint64(len(patch)),
		From:     manifest.PatchItem{Size: uint64(len(oldData)), XXH: oldHash},
		To:       manifest.PatchItem{Size: f.Size, XXH: f.XXH},
	})
	g.mu.Unlock()
	return nil
}

func (g *generator) computeDiff(oldHash string, f manifest.FileMetadata, oldData []byte) ([]byte, error) {
	if g.opts.Cache != nil {
		patch, ok, err := g.opts.Cache.GetDiff(g.format, oldHash, f.XXH)
		if err != nil {
			return nil, err
		}
		if ok {
			g.logger.Printf("[gen] %s: diff cache hit", f.FileName)
			return patch, nil
		}
	}

	newData, err := os.ReadFile(filepath.Join(g.opts.InputDir, filepath.FromSlash(f.FileName)))
	if err != nil {
		return nil, err
	}
	patch, err := diff.ComputeDiff(g.engine, oldData, newData, g.cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}

	if g.opts.Cache != nil {
		if _, err := g.opts.Cache.PutDiff(g.format, oldHash, f.XXH, patch); err != nil {
			g.logger.Printf("[gen] %s: diff cache store failed: %v", f.FileName, err)
		}
	}
	return patch, nil
}
