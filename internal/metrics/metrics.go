// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/gamehub/internal/library"
	"github.com/hitoshi/gamehub/internal/model"
)

// ライブラリ操作の結果ラベル
const (
	OutcomeSuccess          = "success"
	OutcomePermissionDenied = "permission_denied"
	OutcomeAuthRequired     = "auth_required"
	OutcomeFailure          = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやワーカーから利用する。
type MetricsCollector interface {
	RecordLibraryOp(op, outcome string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordSessionsCleaned(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	libraryOps      *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	sessionsCleaned prometheus.Counter
	activeSessions  prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		libraryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamehub_library_ops_total",
			Help: "ライブラリ操作の結果別の合計数",
		}, []string{"op", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamehub_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gamehub_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamehub_sessions_cleaned_total",
			Help: "削除された期限切れセッションの合計数",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamehub_active_sessions",
			Help: "メモリ上で同期中のブラウザセッション数",
		}),
	}

	reg.MustRegister(
		c.libraryOps,
		c.httpStatus,
		c.requestLatency,
		c.sessionsCleaned,
		c.activeSessions,
	)

	return c
}

// RecordLibraryOp はライブラリ操作の結果を記録する。
func (c *Collector) RecordLibraryOp(op, outcome string) {
	c.libraryOps.WithLabelValues(op, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordSessionsCleaned は削除したセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int) {
	c.sessionsCleaned.Add(float64(count))
}

// ActiveSessions はアクティブなブラウザセッション数のゲージを返す。
func (c *Collector) ActiveSessions() prometheus.Gauge {
	return c.activeSessions
}

// LibraryNotifier はライブラリの通知を操作結果として記録するNotifierを返す。
func (c *Collector) LibraryNotifier() library.Notifier {
	return library.NotifierFunc(func(n library.Notification) {
		c.RecordLibraryOp(n.Op, outcomeOf(n))
	})
}

func outcomeOf(n library.Notification) string {
	if n.Kind != library.KindError {
		return OutcomeSuccess
	}
	switch n.Code {
	case model.ErrCodePermissionDenied:
		return OutcomePermissionDenied
	case model.ErrCodeAuthRequired:
		return OutcomeAuthRequired
	default:
		return OutcomeFailure
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Middleware はレスポンスのステータスコードとレイテンシを記録するミドルウェアを返す。
func Middleware(c MetricsCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			c.RecordHTTPStatus(rec.status)
			c.RecordRequestLatency(time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack はWebSocketのアップグレードのために元のWriterに委譲する。
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap はhttp.ResponseControllerのために元のWriterを返す。
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
