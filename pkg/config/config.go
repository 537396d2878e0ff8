package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the tunables shared by the packer, the diff engines and the
// release generator.
type Config struct {
	// DiffLibrary selects the delta engine ("sdelta" or "bsdiff")
	DiffLibrary string

	// Compression is the sdelta body codec ("none", "zstd" or "xz")
	Compression string

	// CompressionLevel is the zstd level; 0 disables body compression
	CompressionLevel int

	// StepMemSizeKB bounds one decoded sdelta step, and so the scratch memory a patch needs
	StepMemSizeKB int

	// BlockSize is the sdelta matching-block granularity
	BlockSize int

	// ScanChunkSize is the read size used when scanning containers for entries
	ScanChunkSize int

	// Workers bounds the hashing and diff worker pools
	Workers int

	// MinDiffBytes is the smallest file the release generator diffs
	MinDiffBytes int64

	// MaxDiffRatio discards diffs larger than this fraction of the new file
	MaxDiffRatio float64

	// HashAlgo specifies the hash algorithm for the diff cache ("sha256" or "blake3")
	HashAlgo string

	// CacheDir is where the diff cache lives; empty disables caching
	CacheDir string

	// MaxScratchMB caps the scratch buffer a single patch may request
	MaxScratchMB int

	// MetricsAddr exposes /metrics when set
	MetricsAddr string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DiffLibrary:      "sdelta",
		Compression:      "zstd",
		CompressionLevel: 19,
		StepMemSizeKB:    256,
		BlockSize:        32,
		ScanChunkSize:    4096,
		Workers:          4,
		MinDiffBytes:     1 * 1024 * 1024, // 1MB
		MaxDiffRatio:     0.5,
		HashAlgo:         "sha256",
		CacheDir:         "",
		MaxScratchMB:     1024,
		MetricsAddr:      "",
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if lib := os.Getenv("INSTPACK_DIFF_LIBRARY"); lib != "" {
		cfg.DiffLibrary = lib
	}

	if c := os.Getenv("INSTPACK_COMPRESSION"); c != "" {
		cfg.Compression = c
	}

	if level := os.Getenv("INSTPACK_COMPRESSION_LEVEL"); level != "" {
		if l, err := strconv.Atoi(level); err == nil {
			cfg.CompressionLevel = l
		}
	}

	if step := os.Getenv("INSTPACK_STEP_MEM_KB"); step != "" {
		if s, err := strconv.Atoi(step); err == nil {
			cfg.StepMemSizeKB = s
		}
	}

	if block := os.Getenv("INSTPACK_BLOCK_SIZE"); block != "" {
		if b, err := strconv.Atoi(block); err == nil {
			cfg.BlockSize = b
		}
	}

	if chunk := os.Getenv("INSTPACK_SCAN_CHUNK_SIZE"); chunk != "" {
		if c, err := strconv.Atoi(chunk); err == nil {
			cfg.ScanChunkSize = c
		}
	}

	if workers := os.Getenv("INSTPACK_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			cfg.Workers = w
		}
	}

	if minDiff := os.Getenv("INSTPACK_MIN_DIFF_MB"); minDiff != "" {
		if m, err := strconv.Atoi(minDiff); err == nil {
			cfg.MinDiffBytes = int64(m) * 1024 * 1024
		}
	}

	if ratio := os.Getenv("INSTPACK_MAX_DIFF_RATIO"); ratio != "" {
		if r, err := strconv.ParseFloat(ratio, 64); err == nil {
			cfg.MaxDiffRatio = r
		}
	}

	if hashAlgo := os.Getenv("INSTPACK_HASH_ALGO"); hashAlgo != "" {
		cfg.HashAlgo = hashAlgo
	}

	if dir := os.Getenv("INSTPACK_CACHE_DIR"); dir != "" {
		cfg.CacheDir = dir
	}

	if scratch := os.Getenv("INSTPACK_MAX_SCRATCH_MB"); scratch != "" {
		if s, err := strconv.Atoi(scratch); err == nil {
			cfg.MaxScratchMB = s
		}
	}

	if addr := os.Getenv("INSTPACK_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DiffLibrary != "sdelta" && c.DiffLibrary != "bsdiff" {
		return fmt.Errorf("invalid diff library: %s (must be 'sdelta' or 'bsdiff')", c.DiffLibrary)
	}

	switch c.Compression {
	case "none", "zstd", "xz":
	default:
		return fmt.Errorf("invalid compression: %s (must be 'none', 'zstd' or 'xz')", c.Compression)
	}

	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		return fmt.Errorf("compression level must be between 0 and 22, got: %d", c.CompressionLevel)
	}

	if c.StepMemSizeKB <= 0 {
		return fmt.Errorf("step memory must be positive, got: %d", c.StepMemSizeKB)
	}

	if c.BlockSize < 4 {
		return fmt.Errorf("block size must be at least 4, got: %d", c.BlockSize)
	}

	if c.ScanChunkSize <= 0 {
		return fmt.Errorf("scan chunk size must be positive, got: %d", c.ScanChunkSize)
	}

	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got: %d", c.Workers)
	}

	if c.MinDiffBytes < 0 {
		return fmt.Errorf("minimum diff size must not be negative, got: %d", c.MinDiffBytes)
	}

	if c.MaxDiffRatio <= 0 || c.MaxDiffRatio > 1 {
		return fmt.Errorf("max diff ratio must be in (0, 1], got: %g", c.MaxDiffRatio)
	}

	if c.HashAlgo != "sha256" && c.HashAlgo != "blake3" {
		return fmt.Errorf("invalid hash algorithm: %s (must be 'sha256' or 'blake3')", c.HashAlgo)
	}

	if c.MaxScratchMB <= 0 {
		return fmt.Errorf("max scratch must be positive, got: %d", c.MaxScratchMB)
	}

	if uint64(c.StepMemSizeKB)*1024 > c.MaxScratchBytes() {
		return fmt.Errorf("step memory %dKB exceeds max scratch %dMB", c.StepMemSizeKB, c.MaxScratchMB)
	}

	return nil
}

// StepMemSize returns the step memory bound in bytes
func (c *Config) StepMemSize() int {
	return c.StepMemSizeKB * 1024
}

// MaxScratchBytes returns the scratch cap in bytes
func (c *Config) MaxScratchBytes() uint64 {
	return uint64(c.MaxScratchMB) * 1024 * 1024
}

// ShouldDiff returns true if a file of the given size is worth diffing
func (c *Config) ShouldDiff(fileSize int64) bool {
	return fileSize >= c.MinDiffBytes
}
