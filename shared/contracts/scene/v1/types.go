// Package v1 defines the VLM scene-room protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeSessionStart opens a session on a new connection (client -> server).
	// It must be the first envelope on the wire; anything else is rejected.
	TypeSessionStart = "session_start"
	// TypeSessionStarted acknowledges session start (server -> client).
	TypeSessionStarted = "session_started"
	// TypeSessionEnd ends the bound session (client -> server).
	TypeSessionEnd = "session_end"
	// TypeSessionAction reports a behavioral telemetry action (client -> server).
	TypeSessionAction = "session_action"

	// TypePathSegmentsAdd appends movement path segments (client -> server).
	TypePathSegmentsAdd = "path_segments_add"

	// Scene preset CRUD (client -> server, broadcast to the scene).
	TypeScenePresetAdd    = "scene_preset_add"
	TypeScenePresetUpdate = "scene_preset_update"
	TypeScenePresetDelete = "scene_preset_delete"
	// TypeScenePresetChange selects the active preset for a scene.
	TypeScenePresetChange = "scene_preset_change"

	// Scene element CRUD (client -> server, broadcast to the scene).
	TypeSceneElementAdd    = "scene_element_add"
	TypeSceneElementUpdate = "scene_element_update"
	TypeSceneElementDelete = "scene_element_delete"

	// Scene instance CRUD (client -> server, broadcast to the scene).
	TypeSceneInstanceAdd    = "scene_instance_add"
	TypeSceneInstanceUpdate = "scene_instance_update"
	TypeSceneInstanceDelete = "scene_instance_delete"

	// TypeSceneVideoUpdate notifies a stream-url change (client -> server, broadcast).
	TypeSceneVideoUpdate = "scene_video_update"
	// TypeSceneVideoStatus pushes a stream liveness change (server -> scene clients).
	TypeSceneVideoStatus = "scene_video_status"
	// TypeSceneSoundLocator toggles the sound locator overlay (client -> server, broadcast).
	TypeSceneSoundLocator = "scene_sound_locator"

	// TypeUserJoined announces a new editor to the scene (server -> scene clients).
	TypeUserJoined = "user_joined"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
// The type set is closed: unknown types are rejected, never ignored.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSessionStart,
		TypeSessionStarted,
		TypeSessionEnd,
		TypeSessionAction,
		TypePathSegmentsAdd,
		TypeScenePresetAdd,
		TypeScenePresetUpdate,
		TypeScenePresetDelete,
		TypeScenePresetChange,
		TypeSceneElementAdd,
		TypeSceneElementUpdate,
		TypeSceneElementDelete,
		TypeSceneInstanceAdd,
		TypeSceneInstanceUpdate,
		TypeSceneInstanceDelete,
		TypeSceneVideoUpdate,
		TypeSceneVideoStatus,
		TypeSceneSoundLocator,
		TypeUserJoined,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// SessionStartPayload opens a session. Exactly one of SessionToken or
// RefreshToken must be present; RefreshToken triggers a silent refresh.
type SessionStartPayload struct {
	SessionToken string `json:"session_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	SceneID      string `json:"scene_id,omitempty"`
}

// SessionStartedPayload acknowledges a session start. SessionToken and
// RefreshToken are populated when the server minted fresh tokens.
type SessionStartedPayload struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id,omitempty"`
	SceneID      string `json:"scene_id,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// SessionEndPayload ends the bound session.
type SessionEndPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// SessionActionPayload reports one telemetry action.
type SessionActionPayload struct {
	SceneID  string          `json:"scene_id"`
	Action   string          `json:"action"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	TS       time.Time       `json:"ts,omitempty"`
}

// PathSegment is one recorded movement segment.
type PathSegment struct {
	Type   string    `json:"type,omitempty"`
	Path   []float64 `json:"path,omitempty"`
	Offset float64   `json:"offset,omitempty"`
}

// PathSegmentsAddPayload appends segments to a session's path record.
type PathSegmentsAddPayload struct {
	PathID   string        `json:"path_id"`
	Segments []PathSegment `json:"segments"`
}

// ScenePresetPayload carries a preset for add/update/delete/change messages.
// Preset is opaque to the room engine; only identity fields are inspected.
type ScenePresetPayload struct {
	SceneID  string          `json:"scene_id"`
	PresetID string          `json:"preset_id"`
	Preset   json.RawMessage `json:"preset,omitempty"`
}

// SceneElementPayload carries a preset element for element CRUD messages.
type SceneElementPayload struct {
	SceneID   string          `json:"scene_id"`
	PresetID  string          `json:"preset_id"`
	ElementID string          `json:"element_id"`
	Kind      string          `json:"kind,omitempty"`
	Element   json.RawMessage `json:"element,omitempty"`
}

// SceneInstancePayload carries an element instance for instance CRUD messages.
type SceneInstancePayload struct {
	SceneID    string          `json:"scene_id"`
	PresetID   string          `json:"preset_id"`
	ElementID  string          `json:"element_id"`
	InstanceID string          `json:"instance_id"`
	Instance   json.RawMessage `json:"instance,omitempty"`
}

// SceneVideoUpdatePayload notifies the room that a video element's
// stream url changed.
type SceneVideoUpdatePayload struct {
	SceneID   string `json:"scene_id"`
	ElementID string `json:"element_id"`
	URL       string `json:"url"`
}

// SceneVideoStatusPayload pushes a liveness change for one tracked stream.
type SceneVideoStatusPayload struct {
	SceneID   string `json:"scene_id"`
	StreamKey string `json:"stream_key"`
	URL       string `json:"url"`
	Live      bool   `json:"live"`
}

// SceneSoundLocatorPayload toggles the sound locator overlay for a scene.
type SceneSoundLocatorPayload struct {
	SceneID string `json:"scene_id"`
	Enabled bool   `json:"enabled"`
}

// UserJoinedPayload announces an editor joining a scene.
type UserJoinedPayload struct {
	SceneID   string `json:"scene_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
