package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/saworbit/instpack/pkg/config"
	"github.com/saworbit/instpack/pkg/container"
	"github.com/saworbit/instpack/pkg/manifest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.CompressionLevel = 3
	root := newRootCmd(cfg)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("instpack %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestPackListExtract(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, filepath.Join(dir, "base.bin"), bytes.Repeat([]byte{0x7f, 'E', 'L', 'F'}, 256))
	cfg := writeFile(t, filepath.Join(dir, "cfg.json"), []byte(`{"title":"demo"}`))
	image := writeFile(t, filepath.Join(dir, "logo.png"), []byte("PNG"))
	writeFile(t, filepath.Join(dir, "payload", "app.exe"), []byte("application"))
	writeFile(t, filepath.Join(dir, "payload", "res", "data.pak"), []byte("resources"))
	out := filepath.Join(dir, "installer")

	mustRun(t, "pack", "--base", base, "--config", cfg, "--image", image, "--index",
		"-o", out, filepath.Join(dir, "payload"))

	listed := mustRun(t, "list", "--verify", "--json", out)
	var l listing
	if err := json.Unmarshal([]byte(listed), &l); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, listed)
	}
	if l.BaseEnd != 1024 {
		t.Errorf("base_end = %d, want 1024", l.BaseEnd)
	}
	var names []string
	for _, e := range l.Entries {
		names = append(names, e.Name)
	}
	want := []string{container.ConfigName, container.ImageName, container.IndexName, "app.exe", "res/data.pak"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("entries = %q, want %q", names, want)
	}

	table := mustRun(t, "list", out)
	if !strings.Contains(table, "<CONFIG>") || !strings.Contains(table, "res/data.pak") {
		t.Errorf("table output:\n%s", table)
	}

	dest := filepath.Join(dir, "x")
	mustRun(t, "extract", out, "-o", dest)
	if got := readFile(t, filepath.Join(dest, "res", "data.pak")); string(got) != "resources" {
		t.Errorf("extracted %q", got)
	}
	if _, err := os.Stat(filepath.Join(dest, "CONFIG")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("reserved entry extracted")
	}

	one := filepath.Join(dir, "one")
	mustRun(t, "extract", out, "-o", one, "app.exe")
	if got := readFile(t, filepath.Join(one, "app.exe")); string(got) != "application" {
		t.Errorf("extracted %q", got)
	}
	if _, err := run(t, "extract", out, "-o", one, "missing"); !errors.Is(err, container.ErrNotFound) {
		t.Errorf("extract missing = %v", err)
	}
	if _, err := run(t, "extract", out, "-o", one, container.ConfigName); !errors.Is(err, container.ErrReservedName) {
		t.Errorf("extract reserved = %v", err)
	}
	if entries, _ := os.ReadDir(one); len(entries) != 1 {
		t.Errorf("reserved extract wrote files: %v", entries)
	}
}

func TestRewriteCommands(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, filepath.Join(dir, "base.bin"), []byte("old base binary"))
	cfg := writeFile(t, filepath.Join(dir, "cfg.json"), []byte(`{}`))
	file := writeFile(t, filepath.Join(dir, "file.txt"), []byte("content"))
	out := filepath.Join(dir, "installer")
	mustRun(t, "pack", "--base", base, "--config", cfg, "--index", "-o", out, file)

	newBase := writeFile(t, filepath.Join(dir, "new.bin"), bytes.Repeat([]byte("new base "), 100))
	replaced := filepath.Join(dir, "replaced")
	mustRun(t, "replace-bin", out, "--base", newBase, "-o", replaced)
	mustRun(t, "list", "--verify", replaced)

	stripped := filepath.Join(dir, "stripped")
	mustRun(t, "strip", replaced, "-o", stripped)
	if !bytes.Equal(readFile(t, stripped), readFile(t, newBase)) {
		t.Error("strip did not return the new base")
	}

	// A container used as a base contributes only its base.
	again := filepath.Join(dir, "again")
	mustRun(t, "pack", "--base", replaced, "--config", cfg, "-o", again)
	if !bytes.HasPrefix(readFile(t, again), readFile(t, newBase)) {
		t.Error("packing onto a container kept its entries")
	}

	extra := writeFile(t, filepath.Join(dir, "extra.bin"), []byte("appended"))
	mustRun(t, "append", replaced, extra)
	c, err := container.Open(replaced)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := c.Find("extra.bin")
	c.Close()
	if !ok || e.Size != 8 {
		t.Errorf("appended entry = %+v, %v", e, ok)
	}

	mustRun(t, "unmark", replaced)
	c, err = container.Open(replaced)
	if err != nil {
		t.Fatal(err)
	}
	layout, _, err := container.ReadIndex(c)
	c.Close()
	if err != nil || layout.Marked() {
		t.Errorf("after unmark: %+v, %v", layout, err)
	}

	if _, err := run(t, "pack", "--config", cfg); err == nil {
		t.Error("pack without output accepted")
	}
	bad := writeFile(t, filepath.Join(dir, "bad.json"), []byte("{"))
	if _, err := run(t, "pack", "--base", base, "--config", bad, "-o", filepath.Join(dir, "x")); err == nil {
		t.Error("invalid config JSON accepted")
	}
}

func TestDiffPatch(t *testing.T) {
	for _, engine := range []string{"sdelta", "bsdiff"} {
		t.Run(engine, func(t *testing.T) {
			dir := t.TempDir()
			oldData := bytes.Repeat([]byte("0123456789abcdef"), 4096)
			newData := append(bytes.Clone(oldData[:30000]), []byte("inserted in the middle")...)
			newData = append(newData, oldData[30000:]...)
			oldPath := writeFile(t, filepath.Join(dir, "old"), oldData)
			newPath := writeFile(t, filepath.Join(dir, "new"), newData)
			patch := filepath.Join(dir, "p")

			mustRun(t, "--engine", engine, "diff", oldPath, newPath, "-o", patch)

			result := filepath.Join(dir, "result")
			mustRun(t, "--engine", engine, "patch", oldPath, patch, "-o", result)
			if !bytes.Equal(readFile(t, result), newData) {
				t.Error("patch -o did not rebuild new")
			}
			if !bytes.Equal(readFile(t, oldPath), oldData) {
				t.Error("patch -o modified the target")
			}

			mustRun(t, "--engine", engine, "patch", oldPath, patch)
			if !bytes.Equal(readFile(t, oldPath), newData) {
				t.Error("in-place patch did not rebuild new")
			}

			if engine != "sdelta" {
				return
			}
			// sdelta checks the old size, so a second application fails
			// and leaves the file alone.
			if _, err := run(t, "--engine", engine, "patch", oldPath, patch); err == nil {
				t.Error("patch applied twice")
			}
			if !bytes.Equal(readFile(t, oldPath), newData) {
				t.Error("failed patch modified the target")
			}
		})
	}
}

func TestGenAndPackRelease(t *testing.T) {
	dir := t.TempDir()
	v1 := filepath.Join(dir, "v1")
	v2 := filepath.Join(dir, "v2")
	old := bytes.Repeat([]byte("release payload "), 8192)
	changed := append(bytes.Clone(old), []byte("patch level 2")...)
	writeFile(t, filepath.Join(v1, "app.bin"), old)
	writeFile(t, filepath.Join(v2, "app.bin"), changed)
	writeFile(t, filepath.Join(v2, "readme.txt"), []byte("hello"))

	outDir := filepath.Join(dir, "out")
	metaPath := filepath.Join(dir, "meta.json")
	t.Setenv("INSTPACK_MIN_DIFF_MB", "0")
	root := newRootCmd(config.LoadFromEnv())
	root.SetArgs([]string{"--level", "3", "--cache-dir", filepath.Join(dir, "cache"),
		"gen", "--repo", "demo", "--tag", "v2",
		"--input-dir", v2, "--output-dir", outDir, "--output-metadata", metaPath,
		"--diff-vers", v1})
	if err := root.Execute(); err != nil {
		t.Fatalf("gen: %v", err)
	}

	statsOut := mustRun(t, "--cache-dir", filepath.Join(dir, "cache"), "cache", "stats")
	if !strings.Contains(statsOut, "links:        1") {
		t.Errorf("cache stats:\n%s", statsOut)
	}
	if out := mustRun(t, "--cache-dir", filepath.Join(dir, "cache"), "cache", "gc"); strings.TrimSpace(out) != "0" {
		t.Errorf("cache gc removed %s objects", out)
	}
	if _, err := run(t, "cache", "stats"); err == nil {
		t.Error("cache stats without a directory accepted")
	}

	meta, err := manifest.ReadFile(metaPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Hashed) != 2 || len(meta.Patches) != 1 || meta.TagName != "v2" {
		t.Fatalf("metadata = %+v", meta)
	}

	base := writeFile(t, filepath.Join(dir, "base.bin"), []byte("stub"))
	cfg := writeFile(t, filepath.Join(dir, "cfg.json"), []byte(`{}`))
	out := filepath.Join(dir, "installer")
	mustRun(t, "pack", "--base", base, "--config", cfg, "--metadata", metaPath, "--data-dir", outDir, "-o", out)

	c, err := container.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, ok := c.Find(container.MetaName); !ok {
		t.Error("metadata entry missing")
	}
	for _, f := range meta.Hashed {
		if _, ok := c.Find(f.XXH); !ok {
			t.Errorf("blob %s for %s missing", f.XXH, f.FileName)
		}
	}
	p := meta.Patches[0]
	if _, ok := c.Find(p.From.XXH + "_" + p.To.XXH); !ok {
		t.Error("patch entry missing")
	}

	// Without metadata only the blobs are taken.
	plain := filepath.Join(dir, "plain")
	mustRun(t, "pack", "--base", base, "--config", cfg, "--data-dir", outDir, "-o", plain)
	pc, err := container.Open(plain)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	for _, e := range pc.Entries() {
		if strings.Contains(e.Name, "_") {
			t.Errorf("diff %s packed without metadata", e.Name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out := mustRun(t, "version")
	if !strings.HasPrefix(out, "version:") {
		t.Errorf("version output = %q", out)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	if _, err := run(t, "--engine", "xdelta", "version"); err == nil {
		t.Error("unknown engine accepted")
	}
}
