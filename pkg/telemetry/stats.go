// Package telemetry exposes prometheus metrics for the relay engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

var (
	PacketsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_ingested_total",
		Help:      "Packets read from mountpoint sockets.",
	}, []string{"kind"})

	PacketsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_forwarded_total",
		Help:      "Packets handed to the host gateway.",
	}, []string{"kind"})

	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Packets dropped before forwarding.",
	}, []string{"reason"})

	KeyframesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keyframes_captured_total",
		Help:      "Complete keyframes promoted into the replay buffer.",
	})

	PLISent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pli_sent_total",
		Help:      "Picture loss indications relayed upstream.",
	})

	SourceReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_reconnects_total",
		Help:      "RTSP sources re-acquired after traffic loss.",
	})

	ActiveMountpoints = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mountpoints_active",
		Help:      "Mountpoints with a live ingestion loop.",
	})

	ActiveViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "viewers_active",
		Help:      "Viewers attached across all mountpoints.",
	})
)

// Drop reasons used with PacketsDropped.
const (
	DropMalformed = "malformed"
	DropDecrypt   = "decrypt"
	DropCollision = "collision"
	DropSkew      = "skew"
	DropDisabled  = "disabled"
)

func Handler() http.Handler {
	return promhttp.Handler()
}
