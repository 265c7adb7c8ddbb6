package room

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/auth/session"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/store"
	v1 "github.com/virtuallandmanager/vlm-api-sub000/shared/contracts/scene/v1"
)

const (
	wsSubprotocolV1 = "vlm.scene.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultAuthTimeout  = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// SessionAuthority is the session-manager surface the gateway needs to
// authenticate joins and close sessions on disconnect.
type SessionAuthority interface {
	Validate(ctx context.Context, sessionToken string, now time.Time) (*session.Session, error)
	Refresh(ctx context.Context, refreshToken string, now time.Time) (*session.Issued, error)
	BindScene(ctx context.Context, s *session.Session, sceneID string, now time.Time) error
	StartAnalyticsSession(ctx context.Context, sceneID, clientIP string, now time.Time) (*session.Issued, error)
	End(ctx context.Context, s *session.Session, now time.Time) error
}

// TelemetryGate decides whether a telemetry action is ingested.
type TelemetryGate interface {
	Allow(sceneID, sessionID, action string, ts time.Time) bool
}

// Gateway is the WebSocket entrypoint for scene rooms.
//
// It enforces origin policy, subprotocol selection, the session-start
// handshake, rate limits, heartbeats, and routes validated envelopes to
// the scene room and the durable store.
type Gateway struct {
	log       *slog.Logger
	hub       *Hub
	auth      SessionAuthority
	telemetry TelemetryGate
	store     store.Store

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout  time.Duration
	authTimeout   time.Duration
	sendQueueSize int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, hub *Hub, auth SessionAuthority, telemetry TelemetryGate, st store.Store) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, nil, nil)
	}

	g := &Gateway{log: log, hub: hub, auth: auth, telemetry: telemetry, store: st}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBool("VLM_WS_DEV_INSECURE", false)

	g.originRequired = envBool("VLM_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSV("VLM_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDuration("VLM_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.authTimeout = envDuration("VLM_WS_AUTH_TIMEOUT", wsDefaultAuthTimeout)

	g.sendQueueSize = envInt("VLM_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDuration("VLM_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDuration("VLM_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envInt("VLM_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDuration("VLM_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the room loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The handshake: the first envelope must be session_start carrying
	// either a session token or a refresh token, plus the scene to join.
	// Anything else terminates the connection.
	sess, minted, sceneID, err := g.handshake(ctx, conn, clientIPOf(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		g.writeErrorDirect(ctx, conn, "auth_failed", "invalid or expired credentials")
		_ = conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}

	client := NewClient(sess.UserID, sess.SK, sceneID, sess.Kind == session.KindUser, g.sendQueueSize)
	rm := g.hub.Join(client)

	var (
		closeOnce     sync.Once
		endedExplicit bool
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Membership removal happens before client.Close (inside Leave) so
	// broadcasters never hold a closing client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(sceneID, client.SessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()

			// A disconnect without an explicit session_end still closes
			// the bound session.
			if !endedExplicit && sess.Active() {
				endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer endCancel()
				if err := g.auth.End(endCtx, sess, time.Now().UTC()); err != nil {
					g.log.Warn("ws.session.end_fail", "session_id", sess.SK, "err", err)
				}
			}
		})
	}

	g.log.Info("ws.join", "scene_id", sceneID, "session_id", client.SessionID, "kind", string(sess.Kind))

	// Announce the new editor to the rest of the scene.
	if sess.Kind == session.KindUser {
		joinedPayload, _ := json.Marshal(v1.UserJoinedPayload{
			SceneID:   sceneID,
			SessionID: client.SessionID,
			UserID:    sess.UserID,
		})
		rm.Broadcast(newEnvelope(v1.TypeUserJoined, joinedPayload, time.Now().UTC()), client.SessionID)
	}

	// Ack the handshake. Tokens are present when the join minted fresh
	// credentials (silent refresh, analytics start).
	ackPayload := v1.SessionStartedPayload{
		SessionID: client.SessionID,
		UserID:    sess.UserID,
		SceneID:   sceneID,
	}
	if minted != nil {
		ackPayload.SessionToken = minted.SessionToken
		ackPayload.RefreshToken = minted.RefreshToken
	}
	rawAck, _ := json.Marshal(ackPayload)
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeSessionStarted, rawAck, time.Now().UTC())) {
		shutdown(websocket.StatusAbnormalClosure, "backpressure on ack")
		return
	}

	rl := newConnLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Reads block without an idle deadline: pure viewers may never send a
	// frame, and the heartbeat's ping/pong exchange is the liveness check.
	// A dead peer fails pings, which closes the connection and unblocks
	// the read.
readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type == v1.TypeSessionEnd {
			endedExplicit = true
			if err := g.auth.End(ctx, sess, now); err != nil {
				g.log.Warn("ws.session.end_fail", "session_id", client.SessionID, "err", err)
			}
			shutdown(websocket.StatusNormalClosure, "session ended")
			break readLoop
		}

		broadcast, err := g.dispatch(ctx, client, rm, env, now)
		if err != nil {
			g.trySendError(ctx, client, errorCode(err), err.Error())
			continue readLoop
		}
		if broadcast {
			rm.Broadcast(env, client.SessionID)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handshake reads and authenticates the mandatory session_start envelope.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn, clientIP string) (*session.Session, *session.Issued, string, error) {
	authCtx, cancel := context.WithTimeout(ctx, g.authTimeout)
	env, err := readEnvelope(authCtx, conn)
	cancel()
	if err != nil {
		return nil, nil, "", err
	}
	if env.Type != v1.TypeSessionStart {
		return nil, nil, "", errors.New("first envelope must be session_start")
	}

	var p v1.SessionStartPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, "", err
	}
	sceneID := strings.TrimSpace(p.SceneID)
	if sceneID == "" {
		return nil, nil, "", errors.New("missing scene_id")
	}

	now := time.Now().UTC()

	var (
		sess   *session.Session
		minted *session.Issued
	)
	switch {
	case p.SessionToken != "":
		sess, err = g.auth.Validate(ctx, p.SessionToken, now)
	case p.RefreshToken != "":
		// Silent refresh: a join on a refresh token mints fresh access
		// credentials, returned in the session_started ack.
		minted, err = g.auth.Refresh(ctx, p.RefreshToken, now)
		if err == nil {
			sess = minted.Session
		}
	default:
		// No credentials: anonymous telemetry session for the scene.
		minted, err = g.auth.StartAnalyticsSession(ctx, sceneID, clientIP, now)
		if err == nil {
			sess = minted.Session
		}
	}
	if err != nil {
		return nil, nil, "", err
	}

	if sess.Kind == session.KindUser {
		if err := g.auth.BindScene(ctx, sess, sceneID, now); err != nil {
			// Scene binding is bookkeeping; a conflict here must not
			// cost the user their connection.
			g.log.Warn("ws.bind_scene.fail", "session_id", sess.SK, "scene_id", sceneID, "err", err)
		}
	}

	return sess, minted, sceneID, nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

// writeErrorDirect is for pre-handshake failures where no client exists yet.
func (g *Gateway) writeErrorDirect(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, errors.New("unsupported message type")
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---- env helpers ----

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
