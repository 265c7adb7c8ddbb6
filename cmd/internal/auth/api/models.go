package authapi

import "time"

type challengeRequest struct {
	Address string `json:"address"`
}

type challengeResponse struct {
	Message        string `json:"message"`
	SignatureToken string `json:"signature_token"`
}

type loginRequest struct {
	SignatureToken   string `json:"signature_token"`
	Signature        string `json:"signature"`
	SignatureAccount string `json:"signature_account"`
	SignatureMessage string `json:"signature_message"`
}

type restoreRequest struct {
	SessionToken string `json:"session_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type sessionResponse struct {
	SessionID       string     `json:"session_id"`
	UserID          string     `json:"user_id,omitempty"`
	ConnectedWallet string     `json:"connected_wallet,omitempty"`
	SceneID         string     `json:"scene_id,omitempty"`
	SessionStart    *time.Time `json:"session_start,omitempty"`
	Expires         *time.Time `json:"expires,omitempty"`
}

type loginResponse struct {
	Session      sessionResponse `json:"session"`
	SessionToken string          `json:"session_token,omitempty"`
	RefreshToken string          `json:"refresh_token,omitempty"`
}
