package room

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	occupancyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vlm",
		Subsystem: "room",
		Name:      "occupancy",
		Help:      "Connections currently bound to each scene room.",
	}, []string{"scene_id"})

	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vlm",
		Subsystem: "room",
		Name:      "broadcasts_total",
		Help:      "Envelopes fanned out to room members.",
	})

	streamChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vlm",
		Subsystem: "room",
		Name:      "stream_checks_total",
		Help:      "Stream liveness probes, by classified result.",
	}, []string{"result"})
)
