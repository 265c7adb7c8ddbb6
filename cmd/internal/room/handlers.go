package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/store"
	v1 "github.com/virtuallandmanager/vlm-api-sub000/shared/contracts/scene/v1"
)

const (
	pathPartitionPrefix      = "vlm:path:scene:"
	analyticsActionPartition = "vlm:analytics:scene:"
)

var (
	errSceneMismatch = errors.New("scene_id does not match the joined scene")
	errConflict      = errors.New("concurrent update, re-read and retry")
	errNotEditor     = errors.New("scene mutations require an operator session")
)

// dispatch routes one validated envelope to its handler.
//
// The message set is closed: every client kind has an arm here, and the
// contract's Validate rejects anything else before dispatch. The returned
// bool reports whether the envelope should be re-sent verbatim to the
// rest of the scene.
func (g *Gateway) dispatch(ctx context.Context, client *Client, rm *Room, env v1.Envelope, now time.Time) (bool, error) {
	switch env.Type {
	case v1.TypeSessionStart:
		return false, errors.New("session already started")

	case v1.TypeSessionAction:
		return false, g.onSessionAction(ctx, client, env, now)

	case v1.TypePathSegmentsAdd:
		return false, g.onPathSegments(ctx, client, env, now)

	// Scene mutations are operator-only. Anonymous telemetry sessions need
	// no credentials to connect, so they never get broadcast rights.
	case v1.TypeScenePresetAdd, v1.TypeScenePresetUpdate, v1.TypeScenePresetDelete, v1.TypeScenePresetChange:
		if !client.Editor {
			return false, errNotEditor
		}
		return g.onPresetMessage(client, env)

	case v1.TypeSceneElementAdd, v1.TypeSceneElementUpdate, v1.TypeSceneElementDelete:
		if !client.Editor {
			return false, errNotEditor
		}
		return g.onElementMessage(client, env)

	case v1.TypeSceneInstanceAdd, v1.TypeSceneInstanceUpdate, v1.TypeSceneInstanceDelete:
		if !client.Editor {
			return false, errNotEditor
		}
		return g.onInstanceMessage(client, env)

	case v1.TypeSceneVideoUpdate:
		if !client.Editor {
			return false, errNotEditor
		}
		return g.onVideoUpdate(client, rm, env)

	case v1.TypeSceneSoundLocator:
		if !client.Editor {
			return false, errNotEditor
		}
		return g.onSoundLocator(client, env)

	default:
		// Server-to-client kinds echoed back by a confused client.
		return false, fmt.Errorf("unsupported type: %s", env.Type)
	}
}

// actionRecord is the stored shape of one ingested telemetry action.
type actionRecord struct {
	SessionID string          `json:"sessionId"`
	Action    string          `json:"action"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	TS        time.Time       `json:"ts"`
}

// onSessionAction ingests one telemetry action. Actions rejected by the
// anomaly detector are dropped without telling the sender.
func (g *Gateway) onSessionAction(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.SessionActionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.SceneID != client.SceneID {
		return errSceneMismatch
	}
	if strings.TrimSpace(p.Action) == "" {
		return errors.New("missing action")
	}

	ts := p.TS
	if ts.IsZero() {
		ts = now
	}

	if g.telemetry != nil && !g.telemetry.Allow(p.SceneID, client.SessionID, p.Action, ts) {
		return nil
	}

	data, err := json.Marshal(actionRecord{
		SessionID: client.SessionID,
		Action:    p.Action,
		Metadata:  p.Metadata,
		TS:        ts,
	})
	if err != nil {
		return err
	}

	err = g.store.Put(ctx, store.Record{
		PK:   analyticsActionPartition + p.SceneID,
		SK:   ulid.Make().String(),
		TS:   store.StampNow(now),
		Data: data,
	})
	if err != nil {
		// Telemetry loss is tolerable; the client is not.
		g.log.Error("room.action.store_fail", "scene_id", p.SceneID, "action", p.Action, "err", err)
	}
	return nil
}

// pathRecord is the stored shape of a session's movement path.
type pathRecord struct {
	SessionID string           `json:"sessionId"`
	Segments  []v1.PathSegment `json:"segments"`
}

// onPathSegments appends movement segments to the session's path record
// under fencing. A lost race surfaces as a conflict for the client to
// retry; there is no retry loop here.
func (g *Gateway) onPathSegments(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.PathSegmentsAddPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if len(p.Segments) == 0 {
		return errors.New("missing segments")
	}
	if len(p.Segments) > maxPathSegmentsPerMessage {
		return fmt.Errorf("too many segments: max=%d", maxPathSegmentsPerMessage)
	}

	if g.telemetry != nil {
		for _, seg := range p.Segments {
			if !g.telemetry.Allow(client.SceneID, client.SessionID, "path:"+seg.Type, now) {
				return nil
			}
		}
	}

	pathID := strings.TrimSpace(p.PathID)
	if pathID == "" {
		pathID = client.SessionID
	}
	pk := pathPartitionPrefix + client.SceneID

	rec, err := g.store.Get(ctx, pk, pathID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		data, merr := json.Marshal(pathRecord{SessionID: client.SessionID, Segments: p.Segments})
		if merr != nil {
			return merr
		}
		return g.store.Put(ctx, store.Record{PK: pk, SK: pathID, TS: store.StampNow(now), Data: data})

	case err != nil:
		g.log.Error("room.path.read_fail", "scene_id", client.SceneID, "path_id", pathID, "err", err)
		return errors.New("path unavailable")
	}

	var existing pathRecord
	if err := json.Unmarshal(rec.Data, &existing); err != nil {
		return err
	}
	existing.Segments = append(existing.Segments, p.Segments...)

	data, err := json.Marshal(existing)
	if err != nil {
		return err
	}

	expected := rec.TS
	rec.Data = data
	rec.TS = bumpStamp(rec.TS, now)

	if err := g.store.ConditionalPut(ctx, rec, expected); err != nil {
		if errors.Is(err, store.ErrFencingConflict) {
			return errConflict
		}
		g.log.Error("room.path.write_fail", "scene_id", client.SceneID, "path_id", pathID, "err", err)
		return errors.New("path unavailable")
	}
	return nil
}

func (g *Gateway) onPresetMessage(client *Client, env v1.Envelope) (bool, error) {
	var p v1.ScenePresetPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false, fmt.Errorf("invalid payload: %w", err)
	}
	if p.SceneID != client.SceneID {
		return false, errSceneMismatch
	}
	if strings.TrimSpace(p.PresetID) == "" {
		return false, errors.New("missing preset_id")
	}
	return true, nil
}

func (g *Gateway) onElementMessage(client *Client, env v1.Envelope) (bool, error) {
	var p v1.SceneElementPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false, fmt.Errorf("invalid payload: %w", err)
	}
	if p.SceneID != client.SceneID {
		return false, errSceneMismatch
	}
	if strings.TrimSpace(p.ElementID) == "" {
		return false, errors.New("missing element_id")
	}
	return true, nil
}

func (g *Gateway) onInstanceMessage(client *Client, env v1.Envelope) (bool, error) {
	var p v1.SceneInstancePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false, fmt.Errorf("invalid payload: %w", err)
	}
	if p.SceneID != client.SceneID {
		return false, errSceneMismatch
	}
	if strings.TrimSpace(p.InstanceID) == "" {
		return false, errors.New("missing instance_id")
	}
	return true, nil
}

// onVideoUpdate keeps the room's tracked-stream list in sync with the
// scene's video elements. An empty url drops the element's stream.
func (g *Gateway) onVideoUpdate(client *Client, rm *Room, env v1.Envelope) (bool, error) {
	var p v1.SceneVideoUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false, fmt.Errorf("invalid payload: %w", err)
	}
	if p.SceneID != client.SceneID {
		return false, errSceneMismatch
	}
	if strings.TrimSpace(p.ElementID) == "" {
		return false, errors.New("missing element_id")
	}

	url := strings.TrimSpace(p.URL)
	if url == "" {
		rm.UntrackStream(p.ElementID)
		return true, nil
	}

	rm.TrackStream(p.ElementID, url)
	return true, nil
}

func (g *Gateway) onSoundLocator(client *Client, env v1.Envelope) (bool, error) {
	var p v1.SceneSoundLocatorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false, fmt.Errorf("invalid payload: %w", err)
	}
	if p.SceneID != client.SceneID {
		return false, errSceneMismatch
	}
	return true, nil
}

// errorCode maps a dispatch error to a wire error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errConflict):
		return "conflict"
	case errors.Is(err, errSceneMismatch):
		return "scene_mismatch"
	case errors.Is(err, errNotEditor):
		return "forbidden"
	default:
		return "rejected"
	}
}

// bumpStamp returns a fencing stamp strictly greater than prev, derived
// from now when the clock has advanced.
func bumpStamp(prev int64, now time.Time) int64 {
	next := store.StampNow(now)
	if next <= prev {
		next = prev + 1
	}
	return next
}
