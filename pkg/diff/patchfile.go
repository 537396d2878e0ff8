package diff

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// PatchingSuffix is appended to the target path while a patch is in flight.
const PatchingSuffix = ".patching"

type contextPatcher interface {
	ApplyPatchContext(ctx context.Context, out io.Writer, diff io.Reader, diffSize int64, old io.ReadSeeker, oldSize int64) error
}

// PatchFile patches target in place. The new content is written next to it
// and renamed over it only once the patch succeeded; on failure the partial
// file is removed and target is left untouched.
func PatchFile(ctx context.Context, engine DiffEngine, target string, diff io.Reader, diffSize int64) error {
	tmpPath, err := patchToTemp(ctx, engine, target, diff, diffSize)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return errors.Join(fmt.Errorf("replace %s: %w", target, err), os.Remove(tmpPath))
	}
	return nil
}

// patchToTemp writes the patched content of target to target+PatchingSuffix.
// Both files are closed when it returns.
func patchToTemp(ctx context.Context, engine DiffEngine, target string, diff io.Reader, diffSize int64) (tmpPath string, err error) {
	old, err := os.Open(target)
	if err != nil {
		return "", fmt.Errorf("open patch target: %w", err)
	}
	defer old.Close()

	info, err := old.Stat()
	if err != nil {
		return "", fmt.Errorf("stat patch target: %w", err)
	}

	tmpPath = target + PatchingSuffix
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmpPath, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if cp, ok := engine.(contextPatcher); ok {
		err = cp.ApplyPatchContext(ctx, w, diff, diffSize, old, info.Size())
	} else {
		if err = ctx.Err(); err != nil {
			return "", err
		}
		err = engine.ApplyPatch(w, diff, diffSize, old, info.Size())
	}
	if err != nil {
		return "", err
	}
	if err = w.Flush(); err != nil {
		return "", fmt.Errorf("flush %s: %w", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmpPath, err)
	}
	return tmpPath, nil
}
