package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// FileResult 单个文件的处理结果
type FileResult string

const (
	ResultSucceeded FileResult = "succeeded"
	ResultFailed    FileResult = "failed"
	ResultSkipped   FileResult = "skipped"
)

// PerformanceMetrics 转换过程的指标，同时导出到 prometheus 和本地快照
type PerformanceMetrics struct {
	registry *prometheus.Registry

	files          *prometheus.CounterVec
	loads          *prometheus.CounterVec
	bytesDecrypted prometheus.Counter
	decodeSeconds  prometheus.Histogram

	filesProcessed     atomic.Int64
	filesSucceeded     atomic.Int64
	filesFailed        atomic.Int64
	filesSkipped       atomic.Int64
	mmapUsage          atomic.Int64
	decryptionCount    atomic.Int64
	decryptionDuration atomic.Int64 // ns
	bytesTotal         atomic.Int64
}

// 全局性能指标实例
var GlobalMetrics = New()

func New() *PerformanceMetrics {
	m := &PerformanceMetrics{
		registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "um",
			Name:      "files_total",
			Help:      "Number of processed files by result.",
		}, []string{"result"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "um",
			Name:      "file_loads_total",
			Help:      "Number of input files loaded, by loading mode.",
		}, []string{"mode"}),
		bytesDecrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "um",
			Name:      "decrypted_bytes_total",
			Help:      "Audio bytes decrypted.",
		}),
		decodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "um",
			Name:      "decode_duration_seconds",
			Help:      "Time spent decoding a single container.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.registry.MustRegister(m.files, m.loads, m.bytesDecrypted, m.decodeSeconds)
	return m
}

// RecordFile 记录一个文件的最终结果
func (m *PerformanceMetrics) RecordFile(result FileResult) {
	m.files.WithLabelValues(string(result)).Inc()
	m.filesProcessed.Add(1)
	switch result {
	case ResultSucceeded:
		m.filesSucceeded.Add(1)
	case ResultFailed:
		m.filesFailed.Add(1)
	case ResultSkipped:
		m.filesSkipped.Add(1)
	}
}

// RecordLoad 记录输入文件的加载方式
func (m *PerformanceMetrics) RecordLoad(mapped bool) {
	mode := "read"
	if mapped {
		mode = "mmap"
		m.mmapUsage.Add(1)
	}
	m.loads.WithLabelValues(mode).Inc()
}

func (m *PerformanceMetrics) RecordDecryption(duration time.Duration, bytesDecrypted int64) {
	m.bytesDecrypted.Add(float64(bytesDecrypted))
	m.decodeSeconds.Observe(duration.Seconds())
	m.decryptionCount.Add(1)
	m.decryptionDuration.Add(int64(duration))
	m.bytesTotal.Add(bytesDecrypted)
}

// MetricsSnapshot 指标快照
type MetricsSnapshot struct {
	FilesProcessed      int64
	FilesSucceeded      int64
	FilesFailed         int64
	FilesSkipped        int64
	MmapUsage           int64
	DecryptionCount     int64
	DecryptionDuration  time.Duration
	TotalBytesDecrypted int64
}

func (m *PerformanceMetrics) GetSnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FilesProcessed:      m.filesProcessed.Load(),
		FilesSucceeded:      m.filesSucceeded.Load(),
		FilesFailed:         m.filesFailed.Load(),
		FilesSkipped:        m.filesSkipped.Load(),
		MmapUsage:           m.mmapUsage.Load(),
		DecryptionCount:     m.decryptionCount.Load(),
		DecryptionDuration:  time.Duration(m.decryptionDuration.Load()),
		TotalBytesDecrypted: m.bytesTotal.Load(),
	}
}

// GetAverageDecryptionSpeed 平均解密速度（字节/秒）
func (s *MetricsSnapshot) GetAverageDecryptionSpeed() float64 {
	if s.DecryptionDuration <= 0 {
		return 0
	}
	return float64(s.TotalBytesDecrypted) / s.DecryptionDuration.Seconds()
}

// GetFileSuccessRate 文件处理成功率，跳过的文件不计入
func (s *MetricsSnapshot) GetFileSuccessRate() float64 {
	attempted := s.FilesSucceeded + s.FilesFailed
	if attempted == 0 {
		return 0
	}
	return float64(s.FilesSucceeded) / float64(attempted)
}

// Serve exposes the registry on addr at /metrics until ctx is done.
func (m *PerformanceMetrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
