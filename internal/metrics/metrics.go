// Package metrics — счётчики Prometheus движка начисления.
// Все методы безопасны для nil-получателя: сервисы можно собрать без метрик.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "engagement"

// Metrics — набор счётчиков одного процесса.
type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	points          *prometheus.CounterVec
	tierTransitions *prometheus.CounterVec
	rewardUnlocks   prometheus.Counter
	rewardUses      prometheus.Counter
	webhooks        *prometheus.CounterVec
	webhookPoison   prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New создаёт счётчики в собственном реестре (плюс стандартные go/process).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Записанные события журнала по типу и статусу.",
		}, []string{"kind", "status"}),
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Начисленные очки по типу активности (без корректировок).",
		}, []string{"kind"}),
		tierTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_transitions_total",
			Help:      "Переходы между уровнями.",
		}, []string{"to", "direction"}),
		rewardUnlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_unlocks_total",
			Help:      "Выданные награды.",
		}),
		rewardUses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_uses_total",
			Help:      "Использования наград.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Обработка входящих вебхуков по типу и исходу.",
		}, []string{"kind", "outcome"}),
		webhookPoison: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_poison_total",
			Help:      "Вебхуки, исчерпавшие лимит повторов.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP-запросы по маршруту и статусу.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Длительность HTTP-запросов.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events, m.points, m.tierTransitions,
		m.rewardUnlocks, m.rewardUses,
		m.webhooks, m.webhookPoison,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler отдаёт /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry нужен тестам для чтения значений.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) EventRecorded(kind, status string, points int64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, status).Inc()
	if points > 0 {
		m.points.WithLabelValues(kind).Add(float64(points))
	}
}

func (m *Metrics) TierChanged(to string, up bool) {
	if m == nil {
		return
	}
	dir := "down"
	if up {
		dir = "up"
	}
	m.tierTransitions.WithLabelValues(to, dir).Inc()
}

func (m *Metrics) RewardsUnlocked(n int) {
	if m == nil || n == 0 {
		return
	}
	m.rewardUnlocks.Add(float64(n))
}

func (m *Metrics) RewardUsed() {
	if m == nil {
		return
	}
	m.rewardUses.Inc()
}

func (m *Metrics) WebhookProcessed(kind, outcome string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.webhooks.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) WebhookPoisoned() {
	if m == nil {
		return
	}
	m.webhookPoison.Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
