package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/store"
)

// Kind discriminates session records. A generic session value is always
// branched on by Kind, never by partition-key comparison.
type Kind string

const (
	// KindUser is an authenticated human-operator session.
	KindUser Kind = "user-session"
	// KindAnalytics is an anonymous telemetry session.
	KindAnalytics Kind = "analytics-session"
)

const (
	userPartitionPrefix      = "vlm:session:user:"
	analyticsPartitionPrefix = "vlm:session:analytics:"
)

// UserPartition returns the partition key holding all of a user's sessions.
func UserPartition(userID string) string {
	return userPartitionPrefix + strings.ToLower(userID)
}

// AnalyticsPartition returns the partition key for a scene's telemetry sessions.
func AnalyticsPartition(sceneID string) string {
	return analyticsPartitionPrefix + sceneID
}

// Session is one authenticated (or pre-authenticated) client connection
// lineage. A record without SessionStart is a pre-session: a challenge was
// issued but the wallet signature has not been verified yet.
type Session struct {
	Kind Kind   `json:"kind"`
	PK   string `json:"pk"`
	SK   string `json:"sk"`

	UserID          string `json:"userId,omitempty"`
	ConnectedWallet string `json:"connectedWallet,omitempty"`
	ClientIP        string `json:"clientIp,omitempty"`
	SceneID         string `json:"sceneId,omitempty"`

	SessionStart *time.Time `json:"sessionStart,omitempty"`
	SessionEnd   *time.Time `json:"sessionEnd,omitempty"`
	Expires      *time.Time `json:"expires,omitempty"`

	// TS is the fencing stamp mirrored from the store record.
	TS int64 `json:"ts"`

	SessionToken   string `json:"sessionToken,omitempty"`
	SignatureToken string `json:"signatureToken,omitempty"`
	RefreshToken   string `json:"refreshToken,omitempty"`
}

// NewSessionID returns a ULID sort key for a new session.
func NewSessionID() string {
	return ulid.Make().String()
}

// Active reports whether the session has started and has no explicit end.
func (s *Session) Active() bool {
	return s != nil && s.SessionStart != nil && s.SessionEnd == nil
}

// Expired reports whether the session's token expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && s.Expires != nil && !s.Expires.After(now)
}

// record serializes the session into a store record carrying its fencing stamp.
func (s *Session) record() (store.Record, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{PK: s.PK, SK: s.SK, TS: s.TS, Data: data}, nil
}

// sessionFromRecord deserializes a store record, trusting the record's
// fencing stamp over whatever was marshaled into the payload.
func sessionFromRecord(rec store.Record) (*Session, error) {
	var s Session
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		return nil, err
	}
	s.PK = rec.PK
	s.SK = rec.SK
	s.TS = rec.TS
	return &s, nil
}
