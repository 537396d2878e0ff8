package container

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/saworbit/instpack/internal/platform"
)

// Extract writes the content of e to dest, creating parent directories.
func (c *Container) Extract(e Embedded, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", dest, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := io.Copy(w, c.Open(e)); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}

// ExtractAll writes every non-reserved entry below dir and returns the paths
// written. Entry names are cleaned so nothing lands outside dir. Two names
// that clean to the same path fail with ErrDuplicateName.
func ExtractAll(c *Container, dir string) ([]string, error) {
	var written []string
	owner := make(map[string]string)
	for _, e := range c.entries {
		if e.Reserved() {
			continue
		}
		dest, err := platform.SafeJoin(dir, e.Name)
		if err != nil {
			if errors.Is(err, platform.ErrEmptyPath) {
				return written, fmt.Errorf("%w: %q", ErrUnsafePath, e.Name)
			}
			return written, err
		}
		if prev, ok := owner[dest]; ok {
			return written, fmt.Errorf("%w: %q and %q both extract to %s", ErrDuplicateName, prev, e.Name, dest)
		}
		owner[dest] = e.Name
		if err := c.Extract(e, dest); err != nil {
			return written, err
		}
		written = append(written, dest)
	}
	return written, nil
}
