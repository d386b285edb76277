package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cutout"

// Metrics 服务指标, 每个实例使用独立的 Registry
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	compositorStage *prometheus.HistogramVec
	decodeDuration  *prometheus.HistogramVec
	quotaRejections prometheus.Counter
	persistFailures *prometheus.CounterVec
	processedImages prometheus.Counter
	processedPixels prometheus.Counter
}

// New 创建并注册全部指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"route"},
		),
		compositorStage: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compositor_stage_duration_seconds",
				Help:      "Duration of mask compositor stages in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"stage"},
		),
		decodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sam2_decode_duration_seconds",
				Help:      "Duration of SAM2 mask decoder inference in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"provider"},
		),
		quotaRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_rejections_total",
				Help:      "Total number of requests rejected by the monthly quota",
			},
		),
		persistFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_failures_total",
				Help:      "Total number of swallowed persistence failures",
			},
			[]string{"target"}, // target: storage, gallery, ledger
		),
		processedImages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processed_images_total",
				Help:      "Total number of composited images",
			},
		),
		processedPixels: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processed_source_pixels_total",
				Help:      "Total number of source pixels composited",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.compositorStage,
		m.decodeDuration,
		m.quotaRejections,
		m.persistFailures,
		m.processedImages,
		m.processedPixels,
	)
	return m
}

// Registry 指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest 记录一次 HTTP 请求
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveStage 记录合成阶段耗时, 签名与 compositor.StageObserver 一致
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	m.compositorStage.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveDecode 记录解码器推理耗时
func (m *Metrics) ObserveDecode(provider string, elapsed time.Duration) {
	m.decodeDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// QuotaRejected 额度拒绝计数
func (m *Metrics) QuotaRejected() {
	m.quotaRejections.Inc()
}

// PersistFailed 被吞掉的持久化失败
func (m *Metrics) PersistFailed(target string) {
	m.persistFailures.WithLabelValues(target).Inc()
}

// Processed 记录一张成功合成的图片
func (m *Metrics) Processed(sourceWidth, sourceHeight int) {
	m.processedImages.Inc()
	m.processedPixels.Add(float64(sourceWidth * sourceHeight))
}
