// Package ratelimit protects telemetry ingestion from scripted traffic.
//
// Detection is heuristic and deliberately favors availability over
// precision: one session judged mechanically periodic restricts the whole
// scene:action pair, and restricted actions are dropped silently. The
// denylist is mirrored to the cache collaborator so it survives restarts.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/cache"
)

// Config tunes the anomaly heuristics.
type Config struct {
	// MinSamples is how many timestamps a session must accumulate for one
	// action before the interval-consistency check runs.
	MinSamples int

	// IntervalTolerance is the absolute deviation from the mean
	// inter-arrival interval within which traffic counts as mechanical.
	// Humans do not sustain sub-tolerance cadence over MinSamples events.
	IntervalTolerance time.Duration

	// MaxHistory bounds a session's per-action timestamp history. When
	// exceeded without a detection, the history is pruned.
	MaxHistory int

	// VolumeLimit and VolumeWindow define the scene-level flood check:
	// more than VolumeLimit events for one scene:action inside one
	// VolumeWindow restricts the pair.
	VolumeLimit  int
	VolumeWindow time.Duration

	// CacheKey is where the restricted set is mirrored.
	CacheKey string

	// PersistRetries and PersistBackoff bound denylist persistence
	// attempts. Retrying is a loop with a hard ceiling, never recursion.
	PersistRetries int
	PersistBackoff time.Duration
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		MinSamples:        5,
		IntervalTolerance: 500 * time.Millisecond,
		MaxHistory:        32,
		VolumeLimit:       100,
		VolumeWindow:      time.Second,
		CacheKey:          "vlm:restricted-actions",
		PersistRetries:    3,
		PersistBackoff:    250 * time.Millisecond,
	}
}

type volumeWindow struct {
	start time.Time
	count int
}

// Detector is the telemetry anomaly rate limiter. It is an explicit
// dependency-injected component: all state lives on the instance, so
// tests can construct isolated detectors.
type Detector struct {
	log   *slog.Logger
	cfg   Config
	cache cache.Cache
	clock clock.Clock

	mu         sync.Mutex
	patterns   map[string]map[string][]time.Time // scene:action -> session -> timestamps
	volume     map[string]*volumeWindow          // scene:action -> rolling 1s counter
	restricted map[string]struct{}
}

// NewDetector constructs a Detector and loads any previously persisted
// restricted set from the cache collaborator.
func NewDetector(log *slog.Logger, cfg Config, cc cache.Cache, clk clock.Clock) *Detector {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}

	d := &Detector{
		log:        log,
		cfg:        cfg,
		cache:      cc,
		clock:      clk,
		patterns:   make(map[string]map[string][]time.Time),
		volume:     make(map[string]*volumeWindow),
		restricted: make(map[string]struct{}),
	}
	d.loadRestricted()
	return d
}

func actionKey(sceneID, action string) string {
	return sceneID + ":" + action
}

// Allow reports whether a telemetry action should be ingested. A false
// result means the action is dropped silently; the originating client is
// never told.
func (d *Detector) Allow(sceneID, sessionID, action string, ts time.Time) bool {
	key := actionKey(sceneID, action)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, bad := d.restricted[key]; bad {
		return false
	}

	if d.checkVolume(key, ts) {
		d.restrictLocked(key, "volume", sessionID)
		return false
	}

	if d.checkCadence(key, sessionID, ts) {
		d.restrictLocked(key, "cadence", sessionID)
		return false
	}

	return true
}

// Restricted reports whether a scene:action pair is currently denied.
func (d *Detector) Restricted(sceneID, action string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, bad := d.restricted[actionKey(sceneID, action)]
	return bad
}

// checkVolume maintains the rolling per-window counter for key and
// reports whether the flood threshold was crossed.
func (d *Detector) checkVolume(key string, ts time.Time) bool {
	w := d.volume[key]
	if w == nil || ts.Sub(w.start) >= d.cfg.VolumeWindow {
		d.volume[key] = &volumeWindow{start: ts, count: 1}
		return false
	}
	w.count++
	return w.count > d.cfg.VolumeLimit
}

// checkCadence appends ts to the session's history for key and reports
// whether the inter-arrival intervals are mechanically periodic.
func (d *Detector) checkCadence(key, sessionID string, ts time.Time) bool {
	sessions := d.patterns[key]
	if sessions == nil {
		sessions = make(map[string][]time.Time)
		d.patterns[key] = sessions
	}

	history := append(sessions[sessionID], ts)
	sessions[sessionID] = history

	if len(history) < d.cfg.MinSamples {
		return false
	}

	if robotic(history, d.cfg.IntervalTolerance) {
		return true
	}

	// Proven non-robotic at this length; keep only a tail so the next
	// events can still form a detectable run.
	if len(history) > d.cfg.MaxHistory {
		tail := history[len(history)-d.cfg.MinSamples+1:]
		sessions[sessionID] = append([]time.Time(nil), tail...)
	}
	return false
}

// robotic reports whether every successive interval lies within tolerance
// of the mean interval. Constant cadence over this many events is a bot
// characteristic humans do not exhibit.
func robotic(history []time.Time, tolerance time.Duration) bool {
	deltas := make([]time.Duration, 0, len(history)-1)
	var sum time.Duration
	for i := 1; i < len(history); i++ {
		de := history[i].Sub(history[i-1])
		deltas = append(deltas, de)
		sum += de
	}
	mean := sum / time.Duration(len(deltas))

	for _, de := range deltas {
		diff := de - mean
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			return false
		}
	}
	return true
}

// restrictLocked adds key to the restricted set, drops its tracking
// state, and mirrors the set to the cache. Caller holds d.mu.
func (d *Detector) restrictLocked(key, reason, sessionID string) {
	if _, already := d.restricted[key]; already {
		return
	}
	d.restricted[key] = struct{}{}
	delete(d.patterns, key)
	delete(d.volume, key)

	restrictionsTotal.WithLabelValues(reason).Inc()
	d.log.Warn("ratelimit.restricted",
		"action", key, "reason", reason, "session_id", sessionID)

	snapshot := make([]string, 0, len(d.restricted))
	for k := range d.restricted {
		snapshot = append(snapshot, k)
	}
	go d.persistRestricted(snapshot)
}

// loadRestricted hydrates the restricted set from the cache collaborator.
func (d *Detector) loadRestricted() {
	if d.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, ok, err := d.cache.Get(ctx, d.cfg.CacheKey)
	if err != nil {
		d.log.Error("ratelimit.denylist.load_fail", "err", err)
		return
	}
	if !ok {
		return
	}

	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		d.log.Error("ratelimit.denylist.decode_fail", "err", err)
		return
	}
	for _, k := range keys {
		d.restricted[k] = struct{}{}
	}
	d.log.Info("ratelimit.denylist.loaded", "entries", len(keys))
}

// persistRestricted mirrors the restricted set to the cache with bounded
// retries and explicit backoff.
func (d *Detector) persistRestricted(keys []string) {
	if d.cache == nil {
		return
	}

	raw, err := json.Marshal(keys)
	if err != nil {
		d.log.Error("ratelimit.denylist.encode_fail", "err", err)
		return
	}

	for attempt := 0; attempt <= d.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			d.clock.Sleep(d.cfg.PersistBackoff * time.Duration(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = d.cache.Set(ctx, d.cfg.CacheKey, raw)
		cancel()

		if err == nil {
			return
		}
		d.log.Error("ratelimit.denylist.persist_fail", "err", err, "attempt", attempt)
	}
}
