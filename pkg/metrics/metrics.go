package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoomLoads records lazy room materialisations by mode (simple|composite).
	RoomLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhost_room_loads_total",
			Help: "Total number of room snapshot loads",
		},
		[]string{"mode"},
	)

	// RoomPersists counts durable snapshot writes and their outcome (success|failure).
	RoomPersists = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhost_room_persists_total",
			Help: "Total number of throttled room persistence cycles",
		},
		[]string{"result"},
	)

	// SessionConnects counts accepted websocket sessions across all rooms.
	SessionConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomhost_session_connects_total",
			Help: "Total number of accepted collaborative sessions",
		},
	)

	// UploadChunks counts received upload chunks by result (stored|conflict|rejected).
	UploadChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhost_upload_chunks_total",
			Help: "Total number of upload chunks received",
		},
		[]string{"result"},
	)

	// UploadsAssembled counts completed chunked uploads.
	UploadsAssembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomhost_uploads_assembled_total",
			Help: "Total number of chunked uploads reassembled into final objects",
		},
	)

	// CacheLookups counts edge cache lookups by outcome (hit|miss).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhost_cache_lookups_total",
			Help: "Total number of edge cache lookups on the download path",
		},
		[]string{"outcome"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomhost_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
