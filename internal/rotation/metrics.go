package rotation

import "github.com/prometheus/client_golang/prometheus"

var rotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "secretbroker_rotations_total",
	Help: "Total number of secret rotations by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(rotationsTotal)
}
