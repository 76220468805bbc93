package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments of the poll engine.
type Metrics struct {
	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram

	TagReads   *prometheus.CounterVec
	ReadErrors *prometheus.CounterVec

	WritesDelivered *prometheus.CounterVec
	WritesRejected  *prometheus.CounterVec

	DeviceUp *prometheus.GaugeVec
}

// NewMetrics creates and registers the poll engine metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Cycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fieldbus_poll_cycles_total",
			Help: "Total number of completed poll cycles",
		}),

		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldbus_poll_cycle_duration_seconds",
			Help:    "Wall-clock duration of one full poll cycle",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		TagReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldbus_tag_reads_total",
			Help: "Total tag reads attempted",
		}, []string{"device"}),

		ReadErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldbus_tag_read_errors_total",
			Help: "Tag reads that failed to return a usable value",
		}, []string{"device", "reason"}), // reason: transport, exception, decode

		WritesDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldbus_writes_delivered_total",
			Help: "Queued write requests delivered to a device",
		}, []string{"device"}),

		WritesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldbus_writes_rejected_total",
			Help: "Queued write requests dropped with an error note",
		}, []string{"device", "reason"}), // reason: encode, exception

		DeviceUp: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldbus_device_up",
			Help: "Whether the device's session is connected (1) or not (0)",
		}, []string{"device"}),
	}
}

func (m *Metrics) setDeviceUp(device string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.DeviceUp.WithLabelValues(device).Set(v)
}
