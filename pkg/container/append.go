package container

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/saworbit/instpack/internal/metrics"
)

// Append writes files as new entries after the last entry of the container
// at path. The file is rescanned first; bytes after the last entry are
// refused rather than overwritten. A file without entries is treated as a
// bare base.
func Append(path string, files []Payload) (_ []Embedded, err error) {
	start := time.Now()
	defer metrics.ObservePack(start, "append")

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	offsets, err := FindSentinels(bufio.NewReaderSize(f, 64<<10))
	if err != nil {
		return nil, err
	}
	existing, err := ParseEntries(f, size, offsets)
	if err != nil {
		return nil, err
	}

	end := size
	if len(existing) > 0 {
		end = existing[len(existing)-1].End()
		if end != size {
			return nil, fmt.Errorf("%w: %d bytes after offset %d", ErrTrailingData, size-end, end)
		}
	}

	seen := make(map[string]bool, len(existing)+len(files))
	for _, e := range existing {
		seen[e.Name] = true
	}
	for _, p := range files {
		if IsReserved(p.Name) || p.Name == "" {
			return nil, fmt.Errorf("%w: %q", ErrReservedName, p.Name)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, p.Name)
		}
		if err := checkEntry(p.Name, p.Size); err != nil {
			return nil, fmt.Errorf("entry %q: %w", p.Name, err)
		}
		seen[p.Name] = true
	}

	if _, err := f.Seek(end, io.SeekStart); err != nil {
		return nil, err
	}
	// A failed write must not leave a partial entry behind.
	defer func() {
		if err != nil {
			err = errors.Join(err, f.Truncate(end), f.Sync())
		}
	}()
	w := bufio.NewWriter(f)
	added, err := writeEntries(w, end, files)
	if err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return added, nil
}
