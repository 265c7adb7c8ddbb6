package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var restrictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vlm",
	Subsystem: "ratelimit",
	Name:      "restrictions_total",
	Help:      "Scene action pairs restricted, by detection reason.",
}, []string{"reason"})
