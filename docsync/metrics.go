package docsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TransactionHooks bracket every inbound change while it is queued and applied.
type TransactionHooks interface {
	BeginTransaction(docId string)
	EndTransaction(docId string)
}

type noopTransactionHooks struct{}

func (self noopTransactionHooks) BeginTransaction(docId string) {}

func (self noopTransactionHooks) EndTransaction(docId string) {}

type PrometheusMetrics struct {
	registerer prometheus.Registerer

	changesInFlight prometheus.Gauge
	changesTotal    prometheus.Counter
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(registerer)
	return &PrometheusMetrics{
		registerer: registerer,
		changesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "docsync",
			Name:      "changes_in_flight",
			Help:      "Inbound changes queued or being applied",
		}),
		changesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "changes_total",
			Help:      "Inbound changes received from connections",
		}),
	}
}

// RegisterActiveConnections exports `activeConnections` as a gauge.
func (self *PrometheusMetrics) RegisterActiveConnections(activeConnections func() int) error {
	return self.registerer.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "docsync",
		Name:      "active_connections",
		Help:      "Open websocket connections",
	}, func() float64 {
		return float64(activeConnections())
	}))
}

// TransactionHooks implementation

func (self *PrometheusMetrics) BeginTransaction(docId string) {
	self.changesTotal.Inc()
	self.changesInFlight.Inc()
}

func (self *PrometheusMetrics) EndTransaction(docId string) {
	self.changesInFlight.Dec()
}
