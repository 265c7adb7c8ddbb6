package room

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max path segments accepted in one path_segments_add message.
	maxPathSegmentsPerMessage = 100
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection frame rate limits (events per window). This is a
	// transport flood guard; telemetry anomaly detection is separate.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// Polling limits.
const (
	// pollInterval is the fixed tick period of the stream-health loop.
	pollInterval = time.Second

	// checkTimeout bounds one liveness probe. It is deliberately shorter
	// than pollInterval so slow streams cannot pile up across ticks.
	checkTimeout = 750 * time.Millisecond

	// maxTrackedStreams is the per-room capacity ceiling. Above it the
	// tick is skipped entirely and a capacity warning is logged.
	maxTrackedStreams = 100

	// smallRoomStreams and smallRoomSkips implement the near-idle
	// debounce: rooms with at most smallRoomStreams streams sit out
	// smallRoomSkips ticks before polling everything each tick.
	smallRoomStreams = 4
	smallRoomSkips   = 2
)
