package flow

import "github.com/prometheus/client_golang/prometheus"

var (
	latchLockedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "asterisque",
		Subsystem: "flow",
		Name:      "latch_locked",
		Help:      "1 if the named latch is currently locked, 0 otherwise.",
	}, []string{"name"})

	latchWaitersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "asterisque",
		Subsystem: "flow",
		Name:      "latch_waiters",
		Help:      "Current number of goroutines parked in Latch.Exec.",
	}, []string{"name"})

	breakerLoadGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "asterisque",
		Subsystem: "flow",
		Name:      "circuit_breaker_load",
		Help:      "Current in-flight counter tracked by the named circuit breaker.",
	}, []string{"name"})

	breakerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "asterisque",
		Subsystem: "flow",
		Name:      "circuit_breaker_state",
		Help:      "0=normal, 1=overloaded, 2=broken.",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(latchLockedGauge, latchWaitersGauge, breakerLoadGauge, breakerStateGauge)
}
