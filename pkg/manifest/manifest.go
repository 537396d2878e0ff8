// Package manifest describes the files of a release and the patches that
// lead to it from earlier releases.
package manifest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/saworbit/instpack/pkg/merkle"
)

// FileMetadata is one file of a release.
type FileMetadata struct {
	FileName string `json:"file_name"`
	Size     uint64 `json:"size"`
	XXH      string `json:"xxh,omitempty"`
}

// PatchItem identifies one side of a patch.
type PatchItem struct {
	Size uint64 `json:"size"`
	XXH  string `json:"xxh,omitempty"`
}

// PatchInfo describes a stored diff. Size is the diff size.
type PatchInfo struct {
	FileName string    `json:"file_name"`
	Size     uint64    `json:"size"`
	From     PatchItem `json:"from"`
	To       PatchItem `json:"to"`
}

// RepoMetadata is the published description of one release.
type RepoMetadata struct {
	RepoName string         `json:"repo_name"`
	TagName  string         `json:"tag_name"`
	Hashed   []FileMetadata `json:"hashed,omitempty"`
	Patches  []PatchInfo    `json:"patches,omitempty"`
	Deletes  []string       `json:"deletes,omitempty"`
	// Root is the hex Merkle root over Hashed.
	Root string `json:"root,omitempty"`
}

// HashFile returns the hex xxHash64 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return formatHash(h.Sum64()), nil
}

// HashBytes returns the hex xxHash64 of data.
func HashBytes(data []byte) string {
	return formatHash(xxhash.Sum64(data))
}

func formatHash(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// List returns the slash-separated paths of every regular file below dir,
// sorted. A missing dir yields an empty list.
func List(dir string) ([]string, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	slices.Sort(names)
	return names, nil
}

// Scan lists dir and hashes every file on up to workers goroutines. The
// result is sorted by name.
func Scan(ctx context.Context, dir string, workers int) ([]FileMetadata, error) {
	names, err := List(dir)
	if err != nil {
		return nil, err
	}
	files := make([]FileMetadata, len(names))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, filepath.FromSlash(name))
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			sum, err := HashFile(path)
			if err != nil {
				return err
			}
			files[i] = FileMetadata{FileName: name, Size: uint64(info.Size()), XXH: sum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// Root returns the hex Merkle root over files, or "" for no files.
func Root(files []FileMetadata) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	root, err := merkle.Root(leaves(files))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(root), nil
}

// VerifyRoot checks m.Root against m.Hashed.
func (m *RepoMetadata) VerifyRoot() error {
	if m.Root == "" {
		if len(m.Hashed) == 0 {
			return nil
		}
		return errors.New("metadata has files but no root")
	}
	want, err := hex.DecodeString(m.Root)
	if err != nil {
		return fmt.Errorf("decode root: %w", err)
	}
	return merkle.Verify(leaves(m.Hashed), want)
}

func leaves(files []FileMetadata) []merkle.Leaf {
	out := make([]merkle.Leaf, len(files))
	for i, f := range files {
		out[i] = merkle.Leaf{Name: f.FileName, Hash: f.XXH}
	}
	return out
}

// ByName indexes files by name.
func ByName(files []FileMetadata) map[string]FileMetadata {
	m := make(map[string]FileMetadata, len(files))
	for _, f := range files {
		m[f.FileName] = f
	}
	return m
}

// Deletes returns the names present in prev but not in next, sorted.
func Deletes(prev, next []FileMetadata) []string {
	keep := ByName(next)
	var out []string
	for _, f := range prev {
		if _, ok := keep[f.FileName]; !ok {
			out = append(out, f.FileName)
		}
	}
	slices.Sort(out)
	return out
}

// Marshal encodes m as compact JSON.
func Marshal(m *RepoMetadata) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes JSON metadata.
func Unmarshal(data []byte) (*RepoMetadata, error) {
	var m RepoMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

// WriteFile writes m to path.
func WriteFile(path string, m *RepoMetadata) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads metadata from path.
func ReadFile(path string) (*RepoMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Validate checks that file names are relative, unique and sorted.
func (m *RepoMetadata) Validate() error {
	for i, f := range m.Hashed {
		if f.FileName == "" || strings.HasPrefix(f.FileName, "/") || slices.Contains(strings.Split(f.FileName, "/"), "..") {
			return fmt.Errorf("invalid file name %q", f.FileName)
		}
		if i > 0 && m.Hashed[i-1].FileName >= f.FileName {
			return fmt.Errorf("file %q out of order or repeated", f.FileName)
		}
	}
	return nil
}
