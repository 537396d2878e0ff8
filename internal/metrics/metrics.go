package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "instpack"

var (
	// Registry is a dedicated Prometheus registry for all instpack metrics.
	Registry = prometheus.NewRegistry()

	// DiffDuration measures time spent generating deltas.
	DiffDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "diff_duration_ms",
			Help:      "Duration of diff generation in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"engine"}, // sdelta | bsdiff
	)

	// DiffTotal counts diff generations by engine and outcome.
	DiffTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diff_total",
			Help:      "Total number of diff generations",
		},
		[]string{"engine", "outcome"},
	)

	// PatchDuration measures time spent applying deltas.
	PatchDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "patch_duration_ms",
			Help:      "Duration of patch application in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"engine"},
	)

	// PatchTotal counts patch applications by engine and outcome.
	PatchTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_total",
			Help:      "Total number of patch applications",
		},
		[]string{"engine", "outcome"},
	)

	// ScratchBytes records the scratch buffer sizes patches asked for.
	ScratchBytes = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "patch_scratch_bytes",
			Help:      "Scratch buffer size allocated per patch",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 2, 12),
		},
	)

	// ScanDuration tracks container scan latency.
	ScanDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_ms",
			Help:      "Duration of container scans in milliseconds",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// EntriesScanned counts container entries found by scans.
	EntriesScanned = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_scanned_total",
			Help:      "Container entries discovered by scanning",
		},
	)

	// PackDuration measures container builds.
	PackDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pack_duration_ms",
			Help:      "Duration of container writes in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"op"}, // pack | append | replace
	)

	// CacheTotal counts diff cache lookups.
	CacheTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diff_cache_total",
			Help:      "Diff cache lookups by outcome",
		},
		[]string{"outcome"}, // hit | miss
	)

	// StorageSavedBytesTotal accumulates bytes saved by shipping diffs instead of full files.
	StorageSavedBytesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_saved_bytes_total",
			Help:      "Cumulative bytes saved by using deltas instead of full files",
		},
	)

	// StorageSavedRatio tracks the current savings ratio (0.0 - 1.0).
	StorageSavedRatio = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_saved_ratio",
			Help:      "Current storage savings ratio (saved_bytes / total_bytes)",
		},
	)

	// BuildInfo exposes static information about the binary.
	BuildInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Static information about the running binary",
		},
		[]string{"os", "arch", "version"},
	)

	// Up is a liveness gauge.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the process is running and healthy",
		},
	)
)

var (
	totalWrittenBytes atomic.Int64
	totalSavedBytes   atomic.Int64
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

func sinceMillis(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// SetBuildInfo publishes a single info metric for the running binary.
func SetBuildInfo(osName, arch, version string) {
	if osName == "" {
		osName = runtime.GOOS
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	if version == "" {
		version = "dev"
	}
	BuildInfo.WithLabelValues(osName, arch, version).Set(1)
}

// ObserveDiff records timing and outcome of a diff generation.
func ObserveDiff(start time.Time, engine string, err error) {
	DiffDuration.WithLabelValues(engine).Observe(sinceMillis(start))
	DiffTotal.WithLabelValues(engine, outcomeOf(err)).Inc()
}

// ObservePatch records timing and outcome of a patch application.
func ObservePatch(start time.Time, engine string, err error) {
	PatchDuration.WithLabelValues(engine).Observe(sinceMillis(start))
	PatchTotal.WithLabelValues(engine, outcomeOf(err)).Inc()
}

// ObserveScratch records the size of an allocated scratch buffer.
func ObserveScratch(size int) {
	if size < 0 {
		return
	}
	ScratchBytes.Observe(float64(size))
}

// ObserveScan records a container scan and the entries it found.
func ObserveScan(start time.Time, entries int) {
	ScanDuration.Observe(sinceMillis(start))
	if entries > 0 {
		EntriesScanned.Add(float64(entries))
	}
}

// ObservePack records a container write operation.
func ObservePack(start time.Time, op string) {
	PackDuration.WithLabelValues(op).Observe(sinceMillis(start))
}

// ObserveCache records a diff cache lookup.
func ObserveCache(hit bool) {
	if hit {
		CacheTotal.WithLabelValues("hit").Inc()
		return
	}
	CacheTotal.WithLabelValues("miss").Inc()
}

// ObserveStorageSavings updates savings counters for a diff of diffBytes that
// replaces a full file of fullBytes.
func ObserveStorageSavings(fullBytes, diffBytes int64) {
	if fullBytes <= 0 || diffBytes < 0 {
		return
	}

	saved := fullBytes - diffBytes
	written := totalWrittenBytes.Add(fullBytes)

	if saved > 0 {
		totalSavedBytes.Add(saved)
		StorageSavedBytesTotal.Add(float64(saved))
	}

	if written > 0 {
		StorageSavedRatio.Set(float64(totalSavedBytes.Load()) / float64(written))
	}
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Printf("[Metrics] Prometheus endpoint listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
