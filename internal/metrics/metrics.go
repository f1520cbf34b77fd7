package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks api key exchanges on the client side and requests served by
// the mock identity provider.
type Metrics struct {
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram
	IdPRequestsTotal *prometheus.CounterVec
}

// New registers all collectors with reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ExchangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apikey_exchanges_total",
			Help: "Total number of api key exchanges by outcome",
		}, []string{"outcome"}),
		ExchangeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "apikey_exchange_duration_seconds",
			Help:    "Duration of a full api key exchange",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		IdPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idp_requests_total",
			Help: "Requests served by the mock identity provider",
		}, []string{"route", "status"}),
	}
}

// ObserveExchange records the outcome and duration of one exchange.
func (m *Metrics) ObserveExchange(outcome string, elapsed time.Duration) {
	m.ExchangesTotal.WithLabelValues(outcome).Inc()
	m.ExchangeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRequest(route string, status int) {
	m.IdPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
