package room

import (
	"context"
	"math"
	"net/http"
	"time"
)

// StreamStatus classifies one liveness probe.
type StreamStatus int

const (
	// StatusOffline means the probe did not get a definitive success.
	// Network failures and timeouts land here too: an unreachable stream
	// is "not live", never an error.
	StatusOffline StreamStatus = iota
	// StatusLive means the probe got a definitive success response.
	StatusLive
	// StatusGone means the source rejected the probe outright (403).
	// Gone streams are pruned from tracking permanently.
	StatusGone
)

// StreamChecker probes a stream url for liveness.
type StreamChecker interface {
	Check(ctx context.Context, url string) StreamStatus
}

// HTTPStreamChecker probes streams with plain GET requests.
type HTTPStreamChecker struct {
	Client *http.Client
}

func (c *HTTPStreamChecker) Check(ctx context.Context, url string) StreamStatus {
	hc := c.Client
	if hc == nil {
		hc = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusOffline
	}

	resp, err := hc.Do(req)
	if err != nil {
		return StatusOffline
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return StatusGone
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return StatusLive
	default:
		return StatusOffline
	}
}

// trackedStream is one live-video source a room watches.
type trackedStream struct {
	Key  string
	URL  string
	Live bool
}

type probeTarget struct {
	key string
	url string
}

type probeResult struct {
	key    string
	url    string
	status StreamStatus
}

// batchSize returns how many tracked streams a tick should probe for a
// room holding n streams after skips debounce ticks.
//
// Zero means the tick is skipped: an empty room has nothing to do, and a
// room past capacity is deliberately not polled at all. Small rooms probe
// a single stream until the debounce elapses, then everything. Larger
// rooms split the list into 1..20 rotating batches that grow linearly
// with n, amortizing probe cost across ticks.
func batchSize(n, skips int) int {
	switch {
	case n <= 0 || n > maxTrackedStreams:
		return 0
	case n <= smallRoomStreams:
		if skips < smallRoomSkips {
			return 1
		}
		return n
	default:
		batches := int(math.Ceil(float64(n-smallRoomStreams)/96.0*19.0)) + 1
		return int(math.Ceil(float64(n) / float64(batches)))
	}
}

// dedupStreams removes later duplicates by key, preserving first-seen
// order so the rotating cursor stays stable.
func dedupStreams(streams []trackedStream) []trackedStream {
	seen := make(map[string]struct{}, len(streams))
	out := streams[:0]
	for _, s := range streams {
		if _, dup := seen[s.Key]; dup {
			continue
		}
		seen[s.Key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// runProbes checks each target with a bounded per-probe timeout and
// returns the results. It runs off the room loop so a slow origin can
// never stall message dispatch.
func runProbes(checker StreamChecker, targets []probeTarget, timeout time.Duration) []probeResult {
	results := make([]probeResult, 0, len(targets))
	for _, t := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		status := checker.Check(ctx, t.url)
		cancel()
		results = append(results, probeResult{key: t.key, url: t.url, status: status})
	}
	return results
}
