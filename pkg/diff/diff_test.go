package diff

import (
	"bytes"
	"errors"
	"testing"

	"github.com/saworbit/instpack/pkg/config"
	"github.com/saworbit/instpack/pkg/sdelta"
)

func TestNewDiffEngine(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.Config)
		wantName string
		wantErr  bool
	}{
		{"sdelta engine", func(*config.Config) {}, "sdelta", false},
		{"bsdiff engine", func(c *config.Config) { c.DiffLibrary = "bsdiff" }, "bsdiff", false},
		{"invalid engine", func(c *config.Config) { c.DiffLibrary = "xdelta" }, "", true},
		{"invalid compression", func(c *config.Config) { c.Compression = "lz4" }, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			engine, err := NewDiffEngine(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDiffEngine() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && engine.Name() != tt.wantName {
				t.Errorf("NewDiffEngine() = %s, want %s", engine.Name(), tt.wantName)
			}
		})
	}
}

func TestNewDiffEngineNilConfig(t *testing.T) {
	engine, err := NewDiffEngine(nil)
	if err != nil {
		t.Fatalf("NewDiffEngine(nil) error = %v", err)
	}
	se, ok := engine.(*StreamEngine)
	if !ok {
		t.Fatalf("NewDiffEngine(nil) = %T, want *StreamEngine", engine)
	}
	if se.Compression != sdelta.CompressZstd {
		t.Errorf("Compression = %v, want zstd", se.Compression)
	}
}

func TestEngines_ComputeDiffAndPatch(t *testing.T) {
	engines := []DiffEngine{NewStreamEngine(), NewBsdiffEngine()}

	base := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 500)
	edited := bytes.Clone(base)
	copy(edited[7000:], "THE QUICK")

	tests := []struct {
		name    string
		oldData []byte
		newData []byte
	}{
		{"identical data", []byte("hello world"), []byte("hello world")},
		{"simple change", []byte("hello world"), []byte("hello mars!")},
		{"empty old data (new file)", []byte{}, []byte("new file content")},
		{"empty new data (file deletion)", []byte("old file content"), []byte{}},
		{"both empty", []byte{}, []byte{}},
		{"equal length interior change", base, edited},
		{"target larger", base, append(bytes.Clone(base), []byte("tail")...)},
		{"target smaller", base, base[:len(base)/3]},
		{"large change", bytes.Repeat([]byte("A"), 10000), bytes.Repeat([]byte("B"), 10000)},
	}

	for _, engine := range engines {
		for _, level := range []int{0, 3} {
			for _, tt := range tests {
				t.Run(engine.Name()+"/"+tt.name, func(t *testing.T) {
					patch, err := ComputeDiff(engine, tt.oldData, tt.newData, level)
					if err != nil {
						t.Fatalf("ComputeDiff() error = %v", err)
					}

					reconstructed, err := PatchBytes(engine, tt.oldData, patch)
					if err != nil {
						t.Fatalf("PatchBytes() error = %v", err)
					}

					if !bytes.Equal(reconstructed, tt.newData) {
						t.Errorf("Round-trip failed: reconstructed data doesn't match new data")
					}
				})
			}
		}
	}
}

func TestBsdiffEngine_SnapshotForEmptyOld(t *testing.T) {
	patch, err := ComputeDiff(NewBsdiffEngine(), nil, []byte("payload"), 0)
	if err != nil {
		t.Fatalf("ComputeDiff() error = %v", err)
	}
	if patch[0] != bsdiffSnapshot || string(patch[1:]) != "payload" {
		t.Errorf("patch = %q, want snapshot of payload", patch)
	}
}

func TestFormat(t *testing.T) {
	xz := NewStreamEngine()
	xz.Compression = sdelta.CompressXZ

	tests := []struct {
		name   string
		engine DiffEngine
		level  int
		want   string
	}{
		{"bsdiff", NewBsdiffEngine(), 19, "bsdiff"},
		{"sdelta zstd", NewStreamEngine(), 3, "sdelta/zstd"},
		{"sdelta level zero", NewStreamEngine(), 0, "sdelta/none"},
		{"sdelta xz", xz, 9, "sdelta/xz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.engine, tt.level); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBsdiffEngine_RejectsTruncatedSnapshot(t *testing.T) {
	engine := NewBsdiffEngine()
	patch, err := ComputeDiff(engine, nil, []byte("payload"), 0)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cut := patch[:len(patch)-3]
	err = engine.ApplyPatch(&out, bytes.NewReader(cut), int64(len(patch)), bytes.NewReader(nil), 0)
	if !errors.Is(err, errShortSnapshot) {
		t.Fatalf("ApplyPatch() error = %v, want errShortSnapshot", err)
	}

	out.Reset()
	if err := engine.ApplyPatch(&out, bytes.NewReader(patch), int64(len(patch)), bytes.NewReader(nil), 0); err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}
	if out.String() != "payload" {
		t.Errorf("snapshot = %q", out.String())
	}
}

func TestBsdiffEngine_RejectsUnknownMode(t *testing.T) {
	_, err := PatchBytes(NewBsdiffEngine(), []byte("old"), []byte{7, 1, 2, 3})
	if err == nil {
		t.Fatal("PatchBytes() accepted an unknown mode byte")
	}
	if _, err := PatchBytes(NewBsdiffEngine(), []byte("old"), nil); err == nil {
		t.Fatal("PatchBytes() accepted an empty patch")
	}
}

func TestEngine_Names(t *testing.T) {
	if NewBsdiffEngine().Name() != "bsdiff" {
		t.Errorf("Name() = %s, want 'bsdiff'", NewBsdiffEngine().Name())
	}
	if NewStreamEngine().Name() != "sdelta" {
		t.Errorf("Name() = %s, want 'sdelta'", NewStreamEngine().Name())
	}
}

func TestComputeStats(t *testing.T) {
	oldData := []byte("hello world")
	newData := []byte("hello mars!")
	patchData := []byte("small patch")

	stats := ComputeStats(oldData, newData, patchData)

	if stats.OldSize != len(oldData) {
		t.Errorf("OldSize = %d, want %d", stats.OldSize, len(oldData))
	}

	if stats.NewSize != len(newData) {
		t.Errorf("NewSize = %d, want %d", stats.NewSize, len(newData))
	}

	if stats.PatchSize != len(patchData) {
		t.Errorf("PatchSize = %d, want %d", stats.PatchSize, len(patchData))
	}

	expectedRate := float64(len(patchData)) / float64(len(newData))
	if stats.CompressionRate != expectedRate {
		t.Errorf("CompressionRate = %f, want %f", stats.CompressionRate, expectedRate)
	}
}

func TestComputeStats_EmptyNewData(t *testing.T) {
	stats := ComputeStats([]byte("old"), []byte{}, []byte{})

	if stats.CompressionRate != 0 {
		t.Errorf("CompressionRate for empty new data = %f, want 0", stats.CompressionRate)
	}
}

// Benchmark tests
func BenchmarkStreamGenerateDiff_SmallFile(b *testing.B) {
	engine := NewStreamEngine()
	oldData := bytes.Repeat([]byte("hello world "), 100) // ~1.2KB
	newData := bytes.Repeat([]byte("hello mars! "), 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ComputeDiff(engine, oldData, newData, 3); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStreamApplyPatch_MediumFile(b *testing.B) {
	engine := NewStreamEngine()
	oldData := bytes.Repeat([]byte("A"), 1024*1024) // 1MB
	newData := append(bytes.Clone(oldData[:len(oldData)/2]), bytes.Repeat([]byte("B"), 1024*1024/2)...)

	patch, err := ComputeDiff(engine, oldData, newData, 3)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := PatchBytes(engine, oldData, patch); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBsdiffGenerateDiff_SmallFile(b *testing.B) {
	engine := NewBsdiffEngine()
	oldData := bytes.Repeat([]byte("hello world "), 100)
	newData := bytes.Repeat([]byte("hello mars! "), 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ComputeDiff(engine, oldData, newData, 0); err != nil {
			b.Fatal(err)
		}
	}
}
