// Package metrics содержит счётчики кассового движка.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store владеет реестром и всеми счётчиками. Создаётся в main и передаётся
// зависимостям явно.
type Store struct {
	registry *prometheus.Registry

	SessionsOpened      prometheus.Counter
	SessionsClosed      prometheus.Counter
	OrdersCreated       *prometheus.CounterVec
	OrdersPaid          prometheus.Counter
	OrdersRefunded      prometheus.Counter
	OrdersCancelled     prometheus.Counter
	CashDifference      prometheus.Histogram
	FulfillmentAttempts *prometheus.CounterVec
	FulfillmentFailures *prometheus.CounterVec
	FulfillmentDead     prometheus.Counter
	FulfillmentDuration prometheus.Histogram
}

// New создаёт счётчики и регистрирует их в собственном реестре.
func New() *Store {
	reg := prometheus.NewRegistry()
	f := factory{reg: reg}

	return &Store{
		registry: reg,
		SessionsOpened: f.counter(prometheus.CounterOpts{
			Name: "pos_sessions_opened_total",
			Help: "Total number of opened cash sessions",
		}),
		SessionsClosed: f.counter(prometheus.CounterOpts{
			Name: "pos_sessions_closed_total",
			Help: "Total number of closed cash sessions",
		}),
		OrdersCreated: f.counterVec(prometheus.CounterOpts{
			Name: "pos_orders_created_total",
			Help: "Total number of created orders",
		}, []string{"source"}),
		OrdersPaid: f.counter(prometheus.CounterOpts{
			Name: "pos_orders_paid_total",
			Help: "Total number of paid orders",
		}),
		OrdersRefunded: f.counter(prometheus.CounterOpts{
			Name: "pos_orders_refunded_total",
			Help: "Total number of refunded orders",
		}),
		OrdersCancelled: f.counter(prometheus.CounterOpts{
			Name: "pos_orders_cancelled_total",
			Help: "Total number of cancelled orders",
		}),
		CashDifference: f.histogram(prometheus.HistogramOpts{
			Name:    "pos_session_cash_difference",
			Help:    "Cash difference declared at session close",
			Buckets: []float64{-100, -10, -1, -0.01, 0, 0.01, 1, 10, 100},
		}),
		FulfillmentAttempts: f.counterVec(prometheus.CounterOpts{
			Name: "pos_fulfillment_attempts_total",
			Help: "Total number of fulfillment dispatch attempts",
		}, []string{"kind"}),
		FulfillmentFailures: f.counterVec(prometheus.CounterOpts{
			Name: "pos_fulfillment_failures_total",
			Help: "Total number of failed fulfillment dispatch attempts",
		}, []string{"kind"}),
		FulfillmentDead: f.counter(prometheus.CounterOpts{
			Name: "pos_fulfillment_dead_total",
			Help: "Total number of fulfillment intents moved to manual replay",
		}),
		FulfillmentDuration: f.histogram(prometheus.HistogramOpts{
			Name:    "pos_fulfillment_duration_seconds",
			Help:    "Time taken by downstream fulfillment calls",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry возвращает реестр для тестов и экспорта.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

// Handler отдаёт метрики в формате Prometheus.
func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

type factory struct {
	reg prometheus.Registerer
}

func (f factory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factory) histogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	f.reg.MustRegister(h)
	return h
}
