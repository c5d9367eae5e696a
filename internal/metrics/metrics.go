// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービスとHTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordSessionCheck(outcome string)
	RecordSignUp(outcome string)
	RecordSignIn(outcome string)
	RecordProviderLatency(operation string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionChecks   *prometheus.CounterVec
	signUps         *prometheus.CounterVec
	signIns         *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepwiser_session_checks_total",
			Help: "セッション確認の結果別の回数（authenticated または未認証の理由）",
		}, []string{"outcome"}),
		signUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepwiser_sign_ups_total",
			Help: "サインアップの結果別の回数",
		}, []string{"outcome"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepwiser_sign_ins_total",
			Help: "サインインの結果別の回数",
		}, []string{"outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prepwiser_identity_provider_latency_seconds",
			Help:    "IDプロバイダ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepwiser_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sessionChecks,
		c.signUps,
		c.signIns,
		c.providerLatency,
		c.httpStatus,
	)

	return c
}

// RecordSessionCheck はセッション確認の結果を記録する。
func (c *Collector) RecordSessionCheck(outcome string) {
	c.sessionChecks.WithLabelValues(outcome).Inc()
}

// RecordSignUp はサインアップの結果を記録する。
func (c *Collector) RecordSignUp(outcome string) {
	c.signUps.WithLabelValues(outcome).Inc()
}

// RecordSignIn はサインインの結果を記録する。
func (c *Collector) RecordSignIn(outcome string) {
	c.signIns.WithLabelValues(outcome).Inc()
}

// RecordProviderLatency はIDプロバイダ呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
