package room

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"

	v1 "github.com/virtuallandmanager/vlm-api-sub000/shared/contracts/scene/v1"
)

// Room coordinates every connection currently editing or viewing one
// scene, and watches that scene's live-video streams.
//
// Concurrency model: all room state (membership, tracked streams, the
// poll cursor) is owned by a single goroutine. Message handling and poll
// ticks are serialized through that loop and never run concurrently with
// each other. Liveness probes are the exception: they run off-loop with
// bounded timeouts and post their results back, so a slow origin cannot
// stall dispatch.
type Room struct {
	log     *slog.Logger
	SceneID string

	clock   clock.Clock
	checker StreamChecker

	commands chan func()
	stop     chan struct{}
	stopOnce sync.Once

	// Loop-owned state. Only run() touches these.
	members map[string]*Client
	streams []trackedStream
	cursor  int
	skips   int
	probing bool
}

// NewRoom constructs a room and starts its loop.
func NewRoom(log *slog.Logger, sceneID string, clk clock.Clock, checker StreamChecker) *Room {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	if checker == nil {
		checker = &HTTPStreamChecker{}
	}

	r := &Room{
		log:      log,
		SceneID:  sceneID,
		clock:    clk,
		checker:  checker,
		commands: make(chan func(), 64),
		stop:     make(chan struct{}),
		members:  make(map[string]*Client),
	}
	go r.run()
	return r
}

// Stop terminates the room loop (idempotent). Members are closed.
func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

func (r *Room) run() {
	t := r.clock.Ticker(pollInterval)
	defer t.Stop()

	for {
		select {
		case <-r.stop:
			for _, m := range r.members {
				m.Close()
			}
			return
		case fn := <-r.commands:
			fn()
		case <-t.C:
			r.tick()
		}
	}
}

// post schedules fn on the room loop. No-op after Stop.
func (r *Room) post(fn func()) {
	select {
	case r.commands <- fn:
	case <-r.stop:
	}
}

// call runs fn on the room loop and waits for it.
func (r *Room) call(fn func()) {
	done := make(chan struct{})
	r.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-r.stop:
	}
}

// Join adds a client to membership. Returns false when the room has
// already stopped, in which case the client was not added and the caller
// must join a fresh room.
func (r *Room) Join(client *Client) bool {
	if client == nil || client.SessionID == "" {
		return false
	}

	select {
	case <-r.stop:
		return false
	default:
	}

	joined := false
	r.call(func() {
		r.members[client.SessionID] = client
		occupancyGauge.WithLabelValues(r.SceneID).Set(float64(len(r.members)))
		joined = true
	})
	if !joined {
		return false
	}

	r.log.Info("room.member.join", "scene_id", r.SceneID, "session_id", client.SessionID)
	return true
}

// Leave removes a client from membership, signals its shutdown, and
// returns the remaining occupancy. When the last member leaves, tracked
// streams are dropped so the poll loop goes idle.
func (r *Room) Leave(sessionID string) int {
	if sessionID == "" {
		return r.Occupancy()
	}

	var remaining int
	r.call(func() {
		cl := r.members[sessionID]
		delete(r.members, sessionID)
		if cl != nil {
			cl.Close()
		}

		remaining = len(r.members)
		if remaining == 0 {
			r.streams = nil
			r.cursor = 0
			r.skips = 0
		}
		occupancyGauge.WithLabelValues(r.SceneID).Set(float64(remaining))
	})

	r.log.Info("room.member.leave", "scene_id", r.SceneID, "session_id", sessionID)
	return remaining
}

// Occupancy reports the current member count.
func (r *Room) Occupancy() int {
	var n int
	r.call(func() { n = len(r.members) })
	return n
}

// Broadcast fanouts an envelope to members, skipping excludeSessionID.
// Non-blocking: if a member queue is full or the client is shutting
// down, that member is dropped from the fanout.
func (r *Room) Broadcast(env v1.Envelope, excludeSessionID string) {
	r.post(func() {
		r.broadcast(env, excludeSessionID)
	})
}

// broadcast runs on the room loop.
func (r *Room) broadcast(env v1.Envelope, excludeSessionID string) {
	for id, m := range r.members {
		if m == nil || id == excludeSessionID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
			broadcastsTotal.Inc()
		default:
			// Drop rather than block the whole room.
		}
	}
}

// TrackStream registers a live-video source. Re-registering a known key
// updates its url; duplicate adds collapse to one entry on the next
// tick's dedup pass.
func (r *Room) TrackStream(key, url string) {
	if key == "" {
		return
	}
	r.post(func() {
		for i := range r.streams {
			if r.streams[i].Key == key {
				if r.streams[i].URL != url {
					r.streams[i].URL = url
					r.streams[i].Live = false
				}
				return
			}
		}
		r.streams = append(r.streams, trackedStream{Key: key, URL: url})
		r.skips = 0
	})
}

// UntrackStream removes a live-video source from tracking.
func (r *Room) UntrackStream(key string) {
	r.post(func() {
		out := r.streams[:0]
		for _, s := range r.streams {
			if s.Key != key {
				out = append(out, s)
			}
		}
		r.streams = out
		r.skips = 0
	})
}

// TrackedStreams returns the tracked keys after a dedup pass.
func (r *Room) TrackedStreams() []string {
	var keys []string
	r.call(func() {
		r.streams = dedupStreams(r.streams)
		for _, s := range r.streams {
			keys = append(keys, s.Key)
		}
	})
	return keys
}

// ---- poll loop ----

func (r *Room) tick() {
	r.streams = dedupStreams(r.streams)

	n := len(r.streams)
	if n == 0 {
		return
	}
	if n > maxTrackedStreams {
		r.log.Warn("room.poll.capacity", "scene_id", r.SceneID, "streams", n, "max", maxTrackedStreams)
		return
	}
	if n <= smallRoomStreams && r.skips < smallRoomSkips {
		r.skips++
		return
	}
	if r.probing {
		// Previous batch still in flight; let it land first.
		return
	}

	k := batchSize(n, r.skips)
	if r.cursor >= n {
		r.cursor = 0
	}

	targets := make([]probeTarget, 0, k)
	for i := 0; i < k; i++ {
		s := r.streams[(r.cursor+i)%n]
		targets = append(targets, probeTarget{key: s.Key, url: s.URL})
	}
	r.cursor = (r.cursor + k) % n

	r.probing = true
	go func() {
		results := runProbes(r.checker, targets, checkTimeout)
		r.post(func() {
			r.probing = false
			r.applyProbeResults(results)
		})
	}()
}

// applyProbeResults runs on the room loop.
func (r *Room) applyProbeResults(results []probeResult) {
	now := r.clock.Now().UTC()

	for _, res := range results {
		idx := -1
		for i := range r.streams {
			if r.streams[i].Key == res.key {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Untracked between probe start and now.
			continue
		}

		streamChecksTotal.WithLabelValues(res.status.label()).Inc()

		if res.status == StatusGone {
			r.streams = append(r.streams[:idx], r.streams[idx+1:]...)
			r.log.Warn("room.stream.pruned",
				"scene_id", r.SceneID, "stream_key", res.key, "occupancy", len(r.members))
			continue
		}

		live := res.status == StatusLive
		if live == r.streams[idx].Live {
			continue
		}
		r.streams[idx].Live = live

		payload, _ := json.Marshal(v1.SceneVideoStatusPayload{
			SceneID:   r.SceneID,
			StreamKey: res.key,
			URL:       res.url,
			Live:      live,
		})
		r.broadcast(newEnvelope(v1.TypeSceneVideoStatus, payload, now), "")

		r.log.Info("room.stream.status",
			"scene_id", r.SceneID, "stream_key", res.key, "live", live)
	}
}

func (s StreamStatus) label() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusGone:
		return "gone"
	default:
		return "offline"
	}
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ulid.Make().String(),
		TS:      ts,
		Payload: payload,
	}
}
