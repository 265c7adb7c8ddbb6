package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/cache"
)

func testDetector(cc cache.Cache) *Detector {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDetector(log, DefaultConfig(), cc, clock.NewMock())
}

func TestDetector_RestrictsConstantCadence(t *testing.T) {
	d := testDetector(nil)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// A scripted client fires every second with millisecond jitter.
	ts := base
	for i := 0; i < 5; i++ {
		jitter := time.Duration(i%2) * 10 * time.Millisecond
		ok := d.Allow("scene-1", "sess-bot", "emote", ts)
		if i < 4 && !ok {
			t.Fatalf("event %d: allowed = false before enough samples", i)
		}
		if i == 4 && ok {
			t.Fatalf("event %d: constant cadence was not restricted", i)
		}
		ts = ts.Add(time.Second + jitter)
	}

	if !d.Restricted("scene-1", "emote") {
		t.Fatal("Restricted(scene-1, emote) = false after detection")
	}

	// The restriction covers the whole scene:action pair, so other
	// sessions in the scene are dropped too.
	if d.Allow("scene-1", "sess-other", "emote", ts) {
		t.Fatal("other session allowed on restricted pair")
	}

	// Other actions and other scenes are unaffected.
	if !d.Allow("scene-1", "sess-bot", "move", ts) {
		t.Fatal("unrelated action was dropped")
	}
	if !d.Allow("scene-2", "sess-bot", "emote", ts) {
		t.Fatal("same action in another scene was dropped")
	}
}

func TestDetector_AllowsHumanJitter(t *testing.T) {
	d := testDetector(nil)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Mean interval is one second but individual gaps swing well past
	// the tolerance, which is how real input looks.
	for i := 0; i < 20; i++ {
		if !d.Allow("scene-1", "sess-human", "emote", ts) {
			t.Fatalf("event %d: human-like traffic was restricted", i)
		}
		gap := 400 * time.Millisecond
		if i%2 == 0 {
			gap = 1600 * time.Millisecond
		}
		ts = ts.Add(gap)
	}

	if d.Restricted("scene-1", "emote") {
		t.Fatal("Restricted = true for jittered traffic")
	}
}

func TestDetector_RestrictsVolumeFlood(t *testing.T) {
	d := testDetector(nil)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Spread events across enough sessions that none accumulates the
	// cadence sample minimum; only the scene-level volume window should
	// catch this.
	restricted := false
	for i := 0; i < 150; i++ {
		sess := fmt.Sprintf("sess-%d", i%40)
		ts := base.Add(time.Duration(i) * 3 * time.Millisecond)
		if !d.Allow("scene-1", sess, "move", ts) {
			restricted = true
			break
		}
	}
	if !restricted {
		t.Fatal("flood inside one window was never restricted")
	}

	// A quiet window later does not lift the restriction.
	if d.Allow("scene-1", "sess-a", "move", base.Add(time.Minute)) {
		t.Fatal("restriction lifted after quiet period")
	}
}

func TestDetector_VolumeWindowResets(t *testing.T) {
	d := testDetector(nil)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Stay just under the limit in two consecutive windows.
	for w := 0; w < 2; w++ {
		start := base.Add(time.Duration(w) * 2 * time.Second)
		for i := 0; i < 90; i++ {
			sess := fmt.Sprintf("sess-%d", i%40)
			ts := start.Add(time.Duration(i) * 3 * time.Millisecond)
			if !d.Allow("scene-1", sess, "move", ts) {
				t.Fatalf("window %d event %d: under-limit traffic dropped", w, i)
			}
		}
	}
}

func TestDetector_PersistsAndReloads(t *testing.T) {
	cc, err := cache.NewMemoryCache(16)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	d := testDetector(cc)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		d.Allow("scene-1", "sess-bot", "emote", ts)
		ts = ts.Add(time.Second)
	}
	if !d.Restricted("scene-1", "emote") {
		t.Fatal("cadence detection did not trigger")
	}

	// Persistence is asynchronous; wait for the denylist to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ok, err := cc.Get(context.Background(), DefaultConfig().CacheKey)
		if err != nil {
			t.Fatalf("cache get: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("denylist was never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A fresh detector hydrates the restriction from the cache.
	d2 := testDetector(cc)
	if !d2.Restricted("scene-1", "emote") {
		t.Fatal("restored detector lost the restriction")
	}
	if d2.Allow("scene-1", "sess-new", "emote", ts) {
		t.Fatal("restored detector allowed a restricted action")
	}
}
