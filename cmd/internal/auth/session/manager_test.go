package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/auth/token"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/store"
)

func testCodec(t *testing.T) *token.Codec {
	t.Helper()
	cfg := token.DefaultConfig()
	cfg.SessionSecret = []byte("0123456789abcdef0123456789abcdef")
	cfg.SignatureSecret = []byte("fedcba9876543210fedcba9876543210")
	cfg.RefreshSecret = []byte("aaaabbbbccccddddeeeeffff00001111")
	codec, err := token.NewCodec(cfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func testManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewManager(log, DefaultConfig(), testCodec(t), st)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, st
}

// testWallet is a deterministic wallet able to answer challenges.
type testWallet struct {
	key  *secp256k1.PrivateKey
	addr string
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}

	raw := key.PubKey().SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(raw[1:])
	sum := h.Sum(nil)

	return &testWallet{key: key, addr: "0x" + fmt.Sprintf("%x", sum[len(sum)-20:])}
}

func (w *testWallet) sign(message string) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte("\x19Ethereum Signed Message:\n"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d", len(message))))
	_, _ = h.Write([]byte(message))

	compact := secpecdsa.SignCompact(w.key, h.Sum(nil), false)

	wire := make([]byte, 65)
	copy(wire, compact[1:])
	wire[64] = compact[0]
	return "0x" + fmt.Sprintf("%x", wire)
}

func login(t *testing.T, m *Manager, w *testWallet, now time.Time) *Issued {
	t.Helper()
	ctx := context.Background()

	ch, err := m.IssueChallenge(ctx, w.addr, "198.51.100.7", now)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}

	issued, err := m.CompleteLogin(ctx, LoginRequest{
		SignatureToken:   ch.SignatureToken,
		Signature:        w.sign(ch.Message),
		SignatureAccount: w.addr,
		SignatureMessage: ch.Message,
	}, now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	return issued
}

func TestManager_ChallengeLoginFlow(t *testing.T) {
	m, _ := testManager(t)
	w := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	issued := login(t, m, w, now)
	s := issued.Session

	if !s.Active() {
		t.Fatalf("expected active session after login")
	}
	if s.Kind != KindUser {
		t.Fatalf("wrong kind: %s", s.Kind)
	}
	if issued.SessionToken == "" || issued.RefreshToken == "" {
		t.Fatalf("missing tokens")
	}
	if s.SignatureToken != "" {
		t.Fatalf("signature token should be cleared after promotion")
	}

	got, err := m.Validate(context.Background(), issued.SessionToken, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.SK != s.SK {
		t.Fatalf("validated wrong session")
	}
}

func TestManager_RejectsWrongSigner(t *testing.T) {
	m, _ := testManager(t)
	wa := newTestWallet(t)
	wb := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	ch, err := m.IssueChallenge(ctx, wa.addr, "198.51.100.7", now)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}

	// Wallet B signs A's exact challenge: cryptographically valid, but the
	// three-way binding must reject it whichever account B claims.
	for _, account := range []string{wa.addr, wb.addr} {
		_, err = m.CompleteLogin(ctx, LoginRequest{
			SignatureToken:   ch.SignatureToken,
			Signature:        wb.sign(ch.Message),
			SignatureAccount: account,
			SignatureMessage: ch.Message,
		}, now)
		if !errors.Is(err, ErrAuthInvalid) {
			t.Fatalf("account=%s: expected ErrAuthInvalid, got %v", account, err)
		}
	}
}

func TestManager_RejectsStaleChallenge(t *testing.T) {
	m, _ := testManager(t)
	w := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first, err := m.IssueChallenge(ctx, w.addr, "198.51.100.7", now)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if _, err := m.IssueChallenge(ctx, w.addr, "198.51.100.7", now.Add(time.Second)); err != nil {
		t.Fatalf("IssueChallenge(second): %v", err)
	}

	// Answering the first challenge after a second was issued is a replay.
	_, err = m.CompleteLogin(ctx, LoginRequest{
		SignatureToken:   first.SignatureToken,
		Signature:        w.sign(first.Message),
		SignatureAccount: w.addr,
		SignatureMessage: first.Message,
	}, now.Add(2*time.Second))
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid for stale challenge, got %v", err)
	}
}

func TestManager_RejectsExpiredChallenge(t *testing.T) {
	m, _ := testManager(t)
	w := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	ch, err := m.IssueChallenge(ctx, w.addr, "198.51.100.7", now)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}

	// Signature tokens live ~90 seconds.
	_, err = m.CompleteLogin(ctx, LoginRequest{
		SignatureToken:   ch.SignatureToken,
		Signature:        w.sign(ch.Message),
		SignatureAccount: w.addr,
		SignatureMessage: ch.Message,
	}, now.Add(10*time.Minute))
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid for expired challenge, got %v", err)
	}
}

func TestManager_ValidateRejectsEndedSession(t *testing.T) {
	m, _ := testManager(t)
	w := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	issued := login(t, m, w, now)
	if err := m.End(ctx, issued.Session, now.Add(time.Minute)); err != nil {
		t.Fatalf("End: %v", err)
	}

	// The token itself is still unexpired; the session record revokes it.
	_, err := m.Validate(ctx, issued.SessionToken, now.Add(2*time.Minute))
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestManager_RefreshPicksMostRecentSession(t *testing.T) {
	m, st := testManager(t)
	w := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first := login(t, m, w, now)

	// Force a second active session for the same user (the invariant
	// normally prevents this; simulate a race by re-activating directly).
	later := now.Add(time.Hour)
	second := login(t, m, w, later)

	firstAgain, err := m.getSession(ctx, first.Session.PK, first.Session.SK)
	if err != nil {
		t.Fatalf("getSession: %v", err)
	}
	firstAgain.SessionEnd = nil
	rec, err := firstAgain.record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	issued, err := m.Refresh(ctx, second.RefreshToken, later.Add(time.Minute))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if issued.Session.SK != second.Session.SK {
		t.Fatalf("refresh picked %s, want most recent %s", issued.Session.SK, second.Session.SK)
	}

	// The older session must have been ended by the cleanup pass.
	old, err := m.getSession(ctx, first.Session.PK, first.Session.SK)
	if err != nil {
		t.Fatalf("getSession: %v", err)
	}
	if old.SessionEnd == nil {
		t.Fatalf("expected older session to be ended")
	}
}

func TestManager_RefreshRejectsForeignToken(t *testing.T) {
	m, _ := testManager(t)
	w := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	login(t, m, w, now)

	if _, err := m.Refresh(ctx, "bogus", now); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid, got %v", err)
	}
}

func TestManager_FencedUpdateConflict(t *testing.T) {
	m, _ := testManager(t)
	w := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	issued := login(t, m, w, now)

	// Hold a stale in-memory copy, then let another writer move the fence.
	stale := *issued.Session

	if err := m.TouchIP(ctx, issued.Session, "203.0.113.9", now.Add(time.Second)); err != nil {
		t.Fatalf("TouchIP: %v", err)
	}

	err := m.TouchIP(ctx, &stale, "203.0.113.10", now.Add(2*time.Second))
	if !errors.Is(err, store.ErrFencingConflict) {
		t.Fatalf("expected ErrFencingConflict, got %v", err)
	}
}

func TestManager_AnalyticsSession(t *testing.T) {
	m, _ := testManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	issued, err := m.StartAnalyticsSession(ctx, "scene-1", "198.51.100.7", now)
	if err != nil {
		t.Fatalf("StartAnalyticsSession: %v", err)
	}
	if issued.Session.Kind != KindAnalytics {
		t.Fatalf("wrong kind: %s", issued.Session.Kind)
	}
	if !issued.Session.Active() {
		t.Fatalf("analytics sessions start active")
	}

	got, err := m.Validate(ctx, issued.SessionToken, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.SceneID != "scene-1" {
		t.Fatalf("scene not bound: %+v", got)
	}
}

func TestManager_AnalyticsRefreshResumes(t *testing.T) {
	m, _ := testManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	started, err := m.StartAnalyticsSession(ctx, "scene-1", "198.51.100.7", now)
	if err != nil {
		t.Fatalf("StartAnalyticsSession: %v", err)
	}

	// A dropped telemetry client resumes with only its refresh token.
	resumed, err := m.Refresh(ctx, started.RefreshToken, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if resumed.Session.SK != started.Session.SK {
		t.Fatalf("resume picked %s, want %s", resumed.Session.SK, started.Session.SK)
	}
	if resumed.Session.Kind != KindAnalytics {
		t.Fatalf("wrong kind after resume: %s", resumed.Session.Kind)
	}
	if resumed.SessionToken == "" || resumed.RefreshToken == "" {
		t.Fatalf("missing tokens after resume")
	}

	// Rotation: the pre-resume refresh token is spent.
	if _, err := m.Refresh(ctx, started.RefreshToken, now.Add(2*time.Minute)); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid for spent refresh token, got %v", err)
	}
}

func TestManager_AnalyticsRefreshScopedToOwnSession(t *testing.T) {
	m, _ := testManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first, err := m.StartAnalyticsSession(ctx, "scene-1", "198.51.100.7", now)
	if err != nil {
		t.Fatalf("StartAnalyticsSession(first): %v", err)
	}
	second, err := m.StartAnalyticsSession(ctx, "scene-1", "198.51.100.8", now.Add(time.Second))
	if err != nil {
		t.Fatalf("StartAnalyticsSession(second): %v", err)
	}

	// The scene partition holds both clients; each refresh token must
	// resolve only its own session, not the most recently started one.
	resumed, err := m.Refresh(ctx, first.RefreshToken, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Refresh(first): %v", err)
	}
	if resumed.Session.SK != first.Session.SK {
		t.Fatalf("refresh crossed sessions: got %s, want %s", resumed.Session.SK, first.Session.SK)
	}

	// The neighbor's session is untouched and still refreshable.
	if _, err := m.Refresh(ctx, second.RefreshToken, now.Add(time.Minute)); err != nil {
		t.Fatalf("Refresh(second): %v", err)
	}
}

func TestManager_BindSceneWritesHistory(t *testing.T) {
	m, st := testManager(t)
	w := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	issued := login(t, m, w, now)
	if err := m.BindScene(ctx, issued.Session, "scene-9", now.Add(time.Second)); err != nil {
		t.Fatalf("BindScene: %v", err)
	}

	if issued.Session.SceneID != "scene-9" {
		t.Fatalf("scene not bound")
	}

	hist, err := st.Query(ctx, "vlm:history:scene:scene-9")
	if err != nil {
		t.Fatalf("Query history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected one history entry, got %d", len(hist))
	}
}

func TestManager_BindSceneCannotClobberRotatedTokens(t *testing.T) {
	m, st := testManager(t)
	w := newTestWallet(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	issued := login(t, m, w, now)

	// A ws join holds this copy while an HTTP restore rotates the tokens.
	stale := *issued.Session

	rotated, err := m.Refresh(ctx, issued.RefreshToken, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	err = m.BindScene(ctx, &stale, "scene-9", now.Add(2*time.Second))
	if !errors.Is(err, store.ErrFencingConflict) {
		t.Fatalf("expected ErrFencingConflict, got %v", err)
	}

	// The losing bind must leave the rotated tokens intact and refreshable.
	current, err := m.getSession(ctx, issued.Session.PK, issued.Session.SK)
	if err != nil {
		t.Fatalf("getSession: %v", err)
	}
	if current.RefreshToken != rotated.RefreshToken {
		t.Fatalf("rotated refresh token was overwritten")
	}
	if _, err := m.Refresh(ctx, rotated.RefreshToken, now.Add(3*time.Second)); err != nil {
		t.Fatalf("Refresh after failed bind: %v", err)
	}

	// The conditional transaction is all-or-nothing: no orphan history.
	hist, err := st.Query(ctx, "vlm:history:scene:scene-9")
	if err != nil {
		t.Fatalf("Query history: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected no history entry after rejected bind, got %d", len(hist))
	}
}
