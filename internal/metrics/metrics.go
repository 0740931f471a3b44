package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "corpus_shards"

// Build holds the collectors updated by the corpus build pipeline.
// A nil *Build is valid and records nothing.
type Build struct {
	DocumentsTokenized prometheus.Counter
	TokensTokenized    prometheus.Counter
	TokensWritten      *prometheus.CounterVec
	BatchesFlushed     *prometheus.CounterVec
	FlushDuration      *prometheus.HistogramVec
	ShardsSkipped      *prometheus.CounterVec
	SnapshotReused     prometheus.Counter
}

// NewBuild creates the build collectors and registers them on reg.
func NewBuild(reg prometheus.Registerer) *Build {
	m := &Build{
		DocumentsTokenized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_tokenized_total",
			Help:      "Documents tokenized into the snapshot",
		}),
		TokensTokenized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_tokenized_total",
			Help:      "Tokens produced by tokenization, end-of-text included",
		}),
		TokensWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_written_total",
			Help:      "Tokens written to shard files",
		}, []string{"split"}),
		BatchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Write batches flushed to shard files",
		}, []string{"split"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_flush_duration_seconds",
			Help:      "Duration of a single batch write",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"split"}),
		ShardsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shards_skipped_total",
			Help:      "Shards left untouched because they already exist",
		}, []string{"split", "reason"}),
		SnapshotReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_reused_total",
			Help:      "Builds that loaded a cached tokenized snapshot",
		}),
	}
	reg.MustRegister(
		m.DocumentsTokenized, m.TokensTokenized,
		m.TokensWritten, m.BatchesFlushed, m.FlushDuration,
		m.ShardsSkipped, m.SnapshotReused,
	)
	return m
}

// Split returns the per-split flush recorder for the shard writer.
func (m *Build) Split(split string) *SplitRecorder {
	if m == nil {
		return nil
	}
	return &SplitRecorder{
		tokens:   m.TokensWritten.WithLabelValues(split),
		batches:  m.BatchesFlushed.WithLabelValues(split),
		duration: m.FlushDuration.WithLabelValues(split),
	}
}

// Tokenized records one tokenized document of n tokens.
func (m *Build) Tokenized(n int) {
	if m == nil {
		return
	}
	m.DocumentsTokenized.Inc()
	m.TokensTokenized.Add(float64(n))
}

// Skipped records a shard skipped for reason.
func (m *Build) Skipped(split, reason string) {
	if m == nil {
		return
	}
	m.ShardsSkipped.WithLabelValues(split, reason).Inc()
}

// Reused records a build that loaded the tokenized snapshot from disk.
func (m *Build) Reused() {
	if m == nil {
		return
	}
	m.SnapshotReused.Inc()
}

// SplitRecorder records batch flushes for a single split.
// A nil *SplitRecorder is valid and records nothing.
type SplitRecorder struct {
	tokens   prometheus.Counter
	batches  prometheus.Counter
	duration prometheus.Observer
}

// Flushed records a batch of n tokens written in d.
func (r *SplitRecorder) Flushed(n int, d time.Duration) {
	if r == nil {
		return
	}
	r.tokens.Add(float64(n))
	r.batches.Inc()
	r.duration.Observe(d.Seconds())
}

// Scan holds the collectors updated by the pattern scanner.
// A nil *Scan is valid and records nothing.
type Scan struct {
	Chunks       *prometheus.CounterVec
	Duration     prometheus.Histogram
	ProgressHint prometheus.Gauge
}

// NewScan creates the scan collectors and registers them on reg.
func NewScan(reg prometheus.Registerer) *Scan {
	m := &Scan{
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_chunks_total",
			Help:      "Scan chunks by outcome",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of a pattern scan",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		ProgressHint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_progress_estimate_tokens",
			Help:      "Heuristic estimate of tokens scanned; not authoritative",
		}),
	}
	reg.MustRegister(m.Chunks, m.Duration, m.ProgressHint)
	return m
}

// Chunk records a finished chunk with outcome match, miss, failed or
// cancelled.
func (m *Scan) Chunk(outcome string) {
	if m == nil {
		return
	}
	m.Chunks.WithLabelValues(outcome).Inc()
}

// Observe records the duration of a whole scan.
func (m *Scan) Observe(d time.Duration) {
	if m == nil {
		return
	}
	m.Duration.Observe(d.Seconds())
}

// Progress publishes the heuristic progress estimate.
func (m *Scan) Progress(estimate int64) {
	if m == nil {
		return
	}
	m.ProgressHint.Set(float64(estimate))
}

// Serve starts a scrape endpoint for gatherer on addr and shuts it down when
// ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer,
	logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	return srv
}
