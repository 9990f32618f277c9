package slave

import "github.com/prometheus/client_golang/prometheus"

var (
	slavesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_slaves",
			Help: "Number of registered slaves.",
		},
	)

	slaveOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_slave_online",
			Help: "Whether the slave connection is currently established.",
		},
		[]string{"slave"},
	)

	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connect_attempts_total",
			Help: "Connection attempts per slave, by result.",
		},
		[]string{"slave", "result"},
	)

	sourceReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_source_reads_total",
			Help: "Source register reads per slave, by result.",
		},
		[]string{"slave", "result"},
	)
)

func init() {
	prometheus.MustRegister(slavesRegistered)
	prometheus.MustRegister(slaveOnline)
	prometheus.MustRegister(connectAttempts)
	prometheus.MustRegister(sourceReads)
}
