package authapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/auth/session"
)

// Handler wires the wallet-login HTTP endpoints to the session manager.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Manager

	mu        sync.Mutex
	perIP     map[string][]time.Time
	lastPrune time.Time
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Manager) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		perIP:    make(map[string][]time.Time),
	}
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/challenge", h.handleChallenge)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/restore", h.handleRestore)
}

// ---- handlers ----

// handleChallenge issues a signable challenge for a wallet address.
func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req challengeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "address is required")
		return
	}

	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)

	if !h.allowChallenge(ip, now) {
		h.log.Info("auth.challenge.throttled", "ip", ip)
		writeError(w, http.StatusTooManyRequests, "rate_limited", "please retry later")
		return
	}

	ch, err := h.sessions.IssueChallenge(r.Context(), addr, ip, now)
	if err != nil {
		// A degraded store or a bad address both collapse into the same
		// generic response.
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired")
		return
	}

	writeJSON(w, http.StatusOK, challengeResponse{
		Message:        ch.Message,
		SignatureToken: ch.SignatureToken,
	})
}

// handleLogin completes the challenge-response flow with a wallet signature.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.SignatureToken == "" || req.Signature == "" || req.SignatureAccount == "" || req.SignatureMessage == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "all signature fields are required")
		return
	}

	now := time.Now().UTC()
	issued, err := h.sessions.CompleteLogin(r.Context(), session.LoginRequest{
		SignatureToken:   req.SignatureToken,
		Signature:        req.Signature,
		SignatureAccount: req.SignatureAccount,
		SignatureMessage: req.SignatureMessage,
	}, now)
	if err != nil {
		// Deliberately opaque: the response never reveals which
		// verification step failed.
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Session:      toSessionResponse(issued.Session),
		SessionToken: issued.SessionToken,
		RefreshToken: issued.RefreshToken,
	})
}

// handleRestore validates an access token, or rotates credentials when
// given a refresh token.
func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req restoreRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	now := time.Now().UTC()
	ctx := r.Context()

	switch {
	case req.SessionToken != "":
		s, err := h.sessions.Validate(ctx, req.SessionToken, now)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired")
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{Session: toSessionResponse(s)})

	case req.RefreshToken != "":
		issued, err := h.sessions.Refresh(ctx, req.RefreshToken, now)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired")
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{
			Session:      toSessionResponse(issued.Session),
			SessionToken: issued.SessionToken,
			RefreshToken: issued.RefreshToken,
		})

	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "session_token or refresh_token is required")
	}
}

// ---- helpers ----

func toSessionResponse(s *session.Session) sessionResponse {
	if s == nil {
		return sessionResponse{}
	}
	return sessionResponse{
		SessionID:       s.SK,
		UserID:          s.UserID,
		ConnectedWallet: s.ConnectedWallet,
		SceneID:         s.SceneID,
		SessionStart:    s.SessionStart,
		Expires:         s.Expires,
	}
}

// allowChallenge is a sliding-window throttle on challenge issuance per IP.
func (h *Handler) allowChallenge(ip string, now time.Time) bool {
	if ip == "" {
		ip = "unknown"
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cut := now.Add(-h.cfg.ChallengeIPWindow)

	// Occasionally sweep idle IPs so the map stays bounded.
	if now.Sub(h.lastPrune) > h.cfg.ChallengeIPWindow {
		for k, hits := range h.perIP {
			if len(hits) == 0 || !hits[len(hits)-1].After(cut) {
				delete(h.perIP, k)
			}
		}
		h.lastPrune = now
	}

	hits := h.perIP[ip]
	dst := hits[:0]
	for _, t := range hits {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}

	if len(dst) >= h.cfg.ChallengeIPMax {
		h.perIP[ip] = dst
		return false
	}
	h.perIP[ip] = append(dst, now)
	return true
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	return ""
}

func parseForwardedIP(raw string) string {
	if raw == "" {
		return ""
	}
	for _, p := range strings.Split(raw, ",") {
		s := strings.TrimSpace(p)
		if net.ParseIP(s) != nil {
			return s
		}
	}
	return ""
}
