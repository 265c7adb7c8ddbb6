// Package session implements the session/token lifecycle for VLM clients.
//
// It orchestrates the token codec, the wallet signature verifier, and the
// durable store to provide challenge issuance, wallet login, validation,
// refresh, and termination. Every mutation of an existing session record
// goes through the fencing protocol; there are no locks and no retries.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/auth/token"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/auth/wallet"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/store"
)

// Manager implements the high-level session operations.
type Manager struct {
	log      *slog.Logger
	cfg      Config
	codec    *token.Codec
	verifier wallet.Verifier
	store    store.Store
}

// Issued is the result of a successful login, refresh, or analytics start.
type Issued struct {
	Session      *Session
	SessionToken string
	RefreshToken string
}

// NewManager constructs a Manager with the provided collaborators.
func NewManager(log *slog.Logger, cfg Config, codec *token.Codec, st store.Store) (*Manager, error) {
	if codec == nil || st == nil {
		return nil, ErrConfig
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, cfg: cfg, codec: codec, store: st}, nil
}

// ---- challenge / login ----

// IssueChallenge locates or creates a pre-session for the wallet and binds
// a fresh signature token to it. Re-requesting a challenge overwrites the
// stored signature token, which invalidates any earlier unanswered
// challenge for that wallet.
func (m *Manager) IssueChallenge(ctx context.Context, walletAddr, clientIP string, now time.Time) (*Challenge, error) {
	walletAddr = strings.TrimSpace(walletAddr)
	if walletAddr == "" {
		return nil, ErrAuthInvalid
	}

	userID := strings.ToLower(walletAddr)
	pk := UserPartition(userID)

	s := m.findPreSession(ctx, pk)
	created := s == nil
	if created {
		s = &Session{
			Kind:            KindUser,
			PK:              pk,
			SK:              NewSessionID(),
			UserID:          userID,
			ConnectedWallet: walletAddr,
		}
	}
	s.ClientIP = clientIP

	signed, exp, err := m.codec.Issue(token.KindSignature, s.PK, s.SK, s.UserID, now)
	if err != nil {
		return nil, err
	}
	s.SignatureToken = signed
	s.Expires = &exp
	s.TS = nextStamp(s.TS, now)

	rec, err := s.record()
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, rec); err != nil {
		m.log.Error("session.challenge.store_fail", "err", err, "wallet", wallet.TruncateAddress(walletAddr))
		return nil, ErrAuthInvalid
	}

	m.log.Info("session.challenge.issued",
		"session_id", s.SK, "wallet", wallet.TruncateAddress(walletAddr), "created", created)

	return &Challenge{
		SessionID:      s.SK,
		Message:        challengeMessage(walletAddr, clientIP, m.cfg.AccessWindow),
		SignatureToken: signed,
	}, nil
}

// CompleteLogin verifies the signed challenge and promotes the pre-session
// to an active session with fresh session and refresh tokens.
//
// Verification order: signature token, session existence, session not
// ended, three-way signer binding (recovered signer == requested wallet ==
// client-reported account), and challenge-token freshness. Any failure
// rejects the login without partial state changes.
func (m *Manager) CompleteLogin(ctx context.Context, req LoginRequest, now time.Time) (*Issued, error) {
	claims, err := m.codec.Verify(token.KindSignature, req.SignatureToken, now)
	if err != nil {
		m.log.Info("session.login.reject", "step", "signature_token")
		return nil, ErrAuthInvalid
	}

	s, err := m.getSession(ctx, claims.PartitionKey, claims.SortKey)
	if err != nil {
		m.log.Info("session.login.reject", "step", "session_lookup", "session_id", claims.SortKey)
		return nil, ErrAuthInvalid
	}
	if s.SessionEnd != nil {
		m.log.Info("session.login.reject", "step", "session_ended", "session_id", s.SK)
		return nil, ErrAuthInvalid
	}

	recovered, err := m.verifier.RecoverAddress(req.SignatureMessage, req.Signature)
	if err != nil {
		m.log.Info("session.login.reject", "step", "signature_recover", "session_id", s.SK)
		return nil, ErrAuthInvalid
	}

	// Three-way binding: the cryptographic signer must equal both the
	// originally-requested wallet and the client-reported account. A
	// validly-signed but substituted identity fails here.
	if !wallet.EqualAddresses(recovered, s.ConnectedWallet) || !wallet.EqualAddresses(recovered, req.SignatureAccount) {
		m.log.Warn("session.login.challenge_mismatch",
			"session_id", s.SK,
			"recovered", wallet.TruncateAddress(recovered),
			"requested", wallet.TruncateAddress(s.ConnectedWallet),
			"reported", wallet.TruncateAddress(req.SignatureAccount),
			"client_ip", s.ClientIP)
		return nil, ErrAuthInvalid
	}

	// Stale-challenge guard: only the most recently issued challenge for
	// this session is answerable.
	if s.SignatureToken != req.SignatureToken {
		m.log.Warn("session.login.stale_challenge", "session_id", s.SK, "client_ip", s.ClientIP)
		return nil, ErrAuthInvalid
	}

	issued, err := m.mintTokens(ctx, s, now, func(s *Session) {
		start := now
		s.SessionStart = &start
		s.SignatureToken = ""
	})
	if err != nil {
		return nil, err
	}

	m.endOtherActiveSessions(ctx, issued.Session, now)

	m.log.Info("session.login.ok", "session_id", s.SK, "user_id", s.UserID)
	return issued, nil
}

// ---- validation / renewal ----

// Validate verifies a session token and loads its backing session.
// The session record is the revocation authority: a valid token whose
// session has ended is rejected.
func (m *Manager) Validate(ctx context.Context, sessionToken string, now time.Time) (*Session, error) {
	claims, err := m.codec.Verify(token.KindSession, sessionToken, now)
	if err != nil {
		return nil, ErrAuthInvalid
	}

	s, err := m.getSession(ctx, claims.PartitionKey, claims.SortKey)
	if err != nil {
		return nil, ErrAuthInvalid
	}
	if s.UserID != claims.UserID {
		return nil, ErrAuthInvalid
	}
	if s.SessionEnd != nil {
		return nil, ErrSessionEnded
	}
	if s.Expired(now) {
		return nil, ErrAuthInvalid
	}

	return s, nil
}

// Refresh mints fresh session and refresh tokens from a refresh token.
//
// The token's own partition key resolves the session, so both user and
// analytics sessions can be renewed. When multiple active sessions exist
// in the partition, the most recently started one is renewed and the
// rest are ended.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, now time.Time) (*Issued, error) {
	claims, err := m.codec.Verify(token.KindRefresh, refreshToken, now)
	if err != nil {
		return nil, ErrAuthInvalid
	}

	recs, err := m.store.Query(ctx, claims.PartitionKey)
	if err != nil {
		m.log.Error("session.refresh.query_fail", "err", err, "user_id", claims.UserID)
		return nil, ErrAuthInvalid
	}

	chosen := chooseActiveSession(recs, claims.UserID, now)
	if chosen == nil {
		return nil, ErrAuthInvalid
	}
	if chosen.RefreshToken != refreshToken {
		m.log.Info("session.refresh.reject", "step", "token_mismatch", "session_id", chosen.SK)
		return nil, ErrAuthInvalid
	}

	issued, err := m.mintTokens(ctx, chosen, now, nil)
	if err != nil {
		return nil, err
	}

	m.endOtherActiveSessions(ctx, issued.Session, now)

	m.log.Info("session.refresh.ok", "session_id", chosen.SK, "user_id", chosen.UserID)
	return issued, nil
}

// ---- lifecycle ----

// End terminates a session by setting its explicit end under fencing.
// Ending an already-ended session is a no-op.
func (m *Manager) End(ctx context.Context, s *Session, now time.Time) error {
	if s == nil || s.SessionEnd != nil {
		return nil
	}
	return m.fencedUpdate(ctx, s, now, func(s *Session) {
		end := now
		s.SessionEnd = &end
	})
}

// TouchIP updates the session's last-seen client IP under fencing.
func (m *Manager) TouchIP(ctx context.Context, s *Session, clientIP string, now time.Time) error {
	if s == nil || s.ClientIP == clientIP {
		return nil
	}
	return m.fencedUpdate(ctx, s, now, func(s *Session) {
		s.ClientIP = clientIP
	})
}

// BindScene binds the session to a scene and records an access-history
// entry in one transactional write. The session replace is fenced on the
// stamp the caller read, so a bind racing a token refresh cannot clobber
// freshly rotated tokens; on store.ErrFencingConflict the in-memory
// session is stale and the caller must re-read before retrying.
func (m *Manager) BindScene(ctx context.Context, s *Session, sceneID string, now time.Time) error {
	if s == nil || sceneID == "" {
		return ErrAuthInvalid
	}

	expected := s.TS
	prevScene := s.SceneID
	s.SceneID = sceneID
	s.TS = nextStamp(s.TS, now)

	sessionRec, err := s.record()
	if err != nil {
		s.SceneID = prevScene
		s.TS = expected
		return err
	}

	historyRec, err := sceneAccessRecord(s, sceneID, now)
	if err != nil {
		s.SceneID = prevScene
		s.TS = expected
		return err
	}

	// The history append rides the same transaction as the scene bind so
	// a rejected bind leaves no orphan history entry.
	if err := m.store.TransactWriteFenced(ctx, sessionRec, expected, []store.Record{historyRec}); err != nil {
		s.SceneID = prevScene
		s.TS = expected
		if !errors.Is(err, store.ErrFencingConflict) {
			m.log.Error("session.bind_scene.fail", "err", err, "session_id", s.SK, "scene_id", sceneID)
		}
		return err
	}
	return nil
}

// ---- analytics sessions ----

// StartAnalyticsSession creates an immediately-active telemetry session.
func (m *Manager) StartAnalyticsSession(ctx context.Context, sceneID, clientIP string, now time.Time) (*Issued, error) {
	start := now
	s := &Session{
		Kind:         KindAnalytics,
		PK:           AnalyticsPartition(sceneID),
		SK:           NewSessionID(),
		UserID:       "analytics:" + NewSessionID(),
		SceneID:      sceneID,
		ClientIP:     clientIP,
		SessionStart: &start,
	}
	s.TS = nextStamp(0, now)

	sessionToken, exp, err := m.codec.Issue(token.KindSession, s.PK, s.SK, s.UserID, now)
	if err != nil {
		return nil, err
	}
	refreshToken, _, err := m.codec.Issue(token.KindRefresh, s.PK, s.SK, s.UserID, now)
	if err != nil {
		return nil, err
	}

	s.SessionToken = sessionToken
	s.RefreshToken = refreshToken
	s.Expires = &exp

	rec, err := s.record()
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, rec); err != nil {
		m.log.Error("session.analytics.store_fail", "err", err, "scene_id", sceneID)
		return nil, ErrAuthInvalid
	}

	m.log.Info("session.analytics.started", "session_id", s.SK, "scene_id", sceneID)
	return &Issued{Session: s, SessionToken: sessionToken, RefreshToken: refreshToken}, nil
}

// ---- internals ----

// mintTokens issues fresh session and refresh tokens and persists them
// with a fenced update. extra, when non-nil, applies additional mutations
// under the same fence.
func (m *Manager) mintTokens(ctx context.Context, s *Session, now time.Time, extra func(*Session)) (*Issued, error) {
	sessionToken, exp, err := m.codec.Issue(token.KindSession, s.PK, s.SK, s.UserID, now)
	if err != nil {
		return nil, err
	}
	refreshToken, _, err := m.codec.Issue(token.KindRefresh, s.PK, s.SK, s.UserID, now)
	if err != nil {
		return nil, err
	}

	err = m.fencedUpdate(ctx, s, now, func(s *Session) {
		if extra != nil {
			extra(s)
		}
		s.SessionToken = sessionToken
		s.RefreshToken = refreshToken
		s.Expires = &exp
	})
	if err != nil {
		return nil, err
	}

	return &Issued{Session: s, SessionToken: sessionToken, RefreshToken: refreshToken}, nil
}

// fencedUpdate applies mutate and writes the session conditionally on its
// previous fencing stamp. On conflict the in-memory session is stale; the
// caller must re-read before retrying. store.ErrFencingConflict passes
// through unwrapped.
func (m *Manager) fencedUpdate(ctx context.Context, s *Session, now time.Time, mutate func(*Session)) error {
	expected := s.TS

	mutate(s)
	s.TS = nextStamp(expected, now)

	rec, err := s.record()
	if err != nil {
		s.TS = expected
		return err
	}

	if err := m.store.ConditionalPut(ctx, rec, expected); err != nil {
		s.TS = expected
		if !errors.Is(err, store.ErrFencingConflict) {
			m.log.Error("session.update.store_fail", "err", err, "session_id", s.SK)
		}
		return err
	}
	return nil
}

func (m *Manager) getSession(ctx context.Context, pk, sk string) (*Session, error) {
	rec, err := m.store.Get(ctx, pk, sk)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Error("session.get.store_fail", "err", err, "session_id", sk)
		}
		return nil, err
	}
	return sessionFromRecord(rec)
}

// findPreSession returns the newest not-yet-promoted session in pk, or nil.
func (m *Manager) findPreSession(ctx context.Context, pk string) *Session {
	recs, err := m.store.Query(ctx, pk)
	if err != nil {
		m.log.Error("session.presession.query_fail", "err", err)
		return nil
	}

	var found *Session
	for _, rec := range recs {
		s, err := sessionFromRecord(rec)
		if err != nil {
			continue
		}
		if s.SessionStart != nil || s.SessionEnd != nil {
			continue
		}
		// ULID sort keys order by creation time.
		if found == nil || s.SK > found.SK {
			found = s
		}
	}
	return found
}

// endOtherActiveSessions enforces the single-active-session invariant for
// user sessions: every active session except keep is ended. Fencing
// conflicts here mean another writer got there first; they are logged and
// skipped, not retried.
func (m *Manager) endOtherActiveSessions(ctx context.Context, keep *Session, now time.Time) {
	if keep == nil || keep.Kind != KindUser {
		return
	}

	recs, err := m.store.Query(ctx, keep.PK)
	if err != nil {
		m.log.Error("session.cleanup.query_fail", "err", err, "user_id", keep.UserID)
		return
	}

	for _, rec := range recs {
		s, err := sessionFromRecord(rec)
		if err != nil || s.SK == keep.SK || !s.Active() {
			continue
		}
		if err := m.End(ctx, s, now); err != nil {
			m.log.Info("session.cleanup.end_fail", "err", err, "session_id", s.SK)
		}
	}
}

// chooseActiveSession picks the subject's active session with the most
// recent SessionStart. Analytics partitions are scene-scoped and hold
// sessions for many clients, so candidates are narrowed to the token's
// user. Store iteration order is deliberately not trusted.
func chooseActiveSession(recs []store.Record, userID string, now time.Time) *Session {
	var chosen *Session
	for _, rec := range recs {
		s, err := sessionFromRecord(rec)
		if err != nil || s.UserID != userID || !s.Active() || s.Expired(now) {
			continue
		}
		if chosen == nil || s.SessionStart.After(*chosen.SessionStart) {
			chosen = s
		}
	}
	return chosen
}

func sceneAccessRecord(s *Session, sceneID string, now time.Time) (store.Record, error) {
	entry := struct {
		UserID    string    `json:"userId"`
		SessionID string    `json:"sessionId"`
		Action    string    `json:"action"`
		TS        time.Time `json:"ts"`
	}{
		UserID:    s.UserID,
		SessionID: s.SK,
		Action:    "accessed scene",
		TS:        now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{
		PK:   "vlm:history:scene:" + sceneID,
		SK:   NewSessionID(),
		TS:   store.StampNow(now),
		Data: data,
	}, nil
}

// nextStamp advances the fencing stamp, staying strictly monotonic even
// when successive writes land inside the same millisecond.
func nextStamp(prev int64, now time.Time) int64 {
	ts := store.StampNow(now)
	if ts <= prev {
		ts = prev + 1
	}
	return ts
}
