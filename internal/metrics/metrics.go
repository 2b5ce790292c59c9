// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス記録のインターフェース。
// アシスタント・認可・HTTP層から利用する。
type Recorder interface {
	RecordDispatch(function, outcome string)
	RecordModelCall(duration time.Duration, err error)
	RecordGatewayCall(gateway string, duration time.Duration, err error)
	RecordTokenRefresh(purpose, result string)
	RecordOAuthCallback(purpose, result string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	dispatches     *prometheus.CounterVec
	modelLatency   prometheus.Histogram
	modelFailures  prometheus.Counter
	gatewayLatency *prometheus.HistogramVec
	gatewayErrors  *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	oauthCallbacks *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athen_dispatch_total",
			Help: "意図ディスパッチの結果別件数",
		}, []string{"function", "outcome"}),
		modelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "athen_model_latency_seconds",
			Help:    "言語モデル呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		modelFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "athen_model_failures_total",
			Help: "言語モデル呼び出し失敗の合計数",
		}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "athen_gateway_latency_seconds",
			Help:    "外部ゲートウェイ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"gateway"}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athen_gateway_errors_total",
			Help: "外部ゲートウェイ呼び出し失敗の合計数",
		}, []string{"gateway"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athen_token_refresh_total",
			Help: "アクセストークン更新の結果別件数",
		}, []string{"purpose", "result"}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athen_oauth_callback_total",
			Help: "OAuthコールバックの結果別件数",
		}, []string{"purpose", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athen_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.dispatches,
		c.modelLatency,
		c.modelFailures,
		c.gatewayLatency,
		c.gatewayErrors,
		c.tokenRefreshes,
		c.oauthCallbacks,
		c.httpStatus,
	)

	return c
}

// RecordDispatch はディスパッチ結果を記録する。関数呼び出しがない場合のfunctionは"none"。
func (c *Collector) RecordDispatch(function, outcome string) {
	c.dispatches.WithLabelValues(function, outcome).Inc()
}

// RecordModelCall は言語モデル呼び出しを記録する。
func (c *Collector) RecordModelCall(duration time.Duration, err error) {
	c.modelLatency.Observe(duration.Seconds())
	if err != nil {
		c.modelFailures.Inc()
	}
}

// RecordGatewayCall はカレンダー・検索などの外部呼び出しを記録する。
func (c *Collector) RecordGatewayCall(gateway string, duration time.Duration, err error) {
	c.gatewayLatency.WithLabelValues(gateway).Observe(duration.Seconds())
	if err != nil {
		c.gatewayErrors.WithLabelValues(gateway).Inc()
	}
}

// RecordTokenRefresh はトークン更新結果を記録する。
func (c *Collector) RecordTokenRefresh(purpose, result string) {
	c.tokenRefreshes.WithLabelValues(purpose, result).Inc()
}

// RecordOAuthCallback はOAuthコールバック結果を記録する。
func (c *Collector) RecordOAuthCallback(purpose, result string) {
	c.oauthCallbacks.WithLabelValues(purpose, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordDispatch(string, string) {}
func (Nop) RecordModelCall(time.Duration, error) {}
func (Nop) RecordGatewayCall(string, time.Duration, error) {}
func (Nop) RecordTokenRefresh(string, string) {}
func (Nop) RecordOAuthCallback(string, string) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
