// Package metrics holds the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error kinds used as the "kind" label of studytube_errors_total.
const (
	KindAuth      = "auth"
	KindAdmission = "admission"
	KindDecode    = "decode"
	KindBroadcast = "broadcast"
	KindArchive   = "archive"
	KindEngine    = "engine"
)

// Collector holds all Prometheus metrics for the lecture server.
type Collector struct {
	// Rooms
	ActiveRooms    prometheus.Gauge
	RoomsCreated   prometheus.Counter
	RoomsDestroyed prometheus.Counter

	// Connections
	Connections     prometheus.Gauge
	BroadcastDrops  prometheus.Counter
	Evictions       prometheus.Counter
	InboundMessages *prometheus.CounterVec

	// Audio
	AudioChunks      prometheus.Counter
	AudioBytes       prometheus.Counter
	AudioConversions prometheus.Counter
	AudioBlockSize   prometheus.Histogram

	// Recognition
	RecognitionResults prometheus.Counter
	RecognitionErrors  *prometheus.CounterVec

	Errors *prometheus.CounterVec
}

// New creates the collector and registers it on reg. A nil reg uses a fresh
// private registry, which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collector{
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "studytube_active_rooms",
			Help: "Current number of rooms with a live registry entry",
		}),
		RoomsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "studytube_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		RoomsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Name: "studytube_rooms_destroyed_total",
			Help: "Total number of rooms destroyed",
		}),

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "studytube_connections",
			Help: "Current number of open lecture connections",
		}),
		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "studytube_broadcast_drops_total",
			Help: "Connections removed because a send failed",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "studytube_evictions_total",
			Help: "Connections replaced by a newer one from the same participant",
		}),
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "studytube_inbound_messages_total",
			Help: "Inbound websocket messages by type",
		}, []string{"type"}),

		AudioChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "studytube_audio_chunks_total",
			Help: "Raw audio fragments received",
		}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "studytube_audio_bytes_total",
			Help: "Raw audio bytes received",
		}),
		AudioConversions: f.NewCounter(prometheus.CounterOpts{
			Name: "studytube_audio_conversions_total",
			Help: "Accumulated blocks normalized into non-empty PCM",
		}),
		AudioBlockSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "studytube_audio_block_bytes",
			Help:    "Size of normalized PCM blocks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 8), // 1KB to 128KB
		}),

		RecognitionResults: f.NewCounter(prometheus.CounterOpts{
			Name: "studytube_recognition_results_total",
			Help: "Non-empty recognition results produced",
		}),
		RecognitionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "studytube_recognition_errors_total",
			Help: "Recognizer failures by stage",
		}, []string{"stage"}),

		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "studytube_errors_total",
			Help: "Contained errors by kind",
		}, []string{"kind"}),
	}
}

func (c *Collector) RecognitionResult() { c.RecognitionResults.Inc() }

func (c *Collector) RecognitionError(stage string) { c.RecognitionErrors.WithLabelValues(stage).Inc() }

func (c *Collector) Error(kind string) { c.Errors.WithLabelValues(kind).Inc() }
