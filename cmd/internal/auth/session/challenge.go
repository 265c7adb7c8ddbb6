package session

import (
	"fmt"
	"time"

	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/auth/wallet"
)

// Challenge is the server half of the wallet login handshake: the client
// signs Message off-platform and returns it with the signature token.
type Challenge struct {
	SessionID      string `json:"session_id"`
	Message        string `json:"message"`
	SignatureToken string `json:"signature_token"`
}

// LoginRequest completes the challenge-response flow.
type LoginRequest struct {
	SignatureToken   string `json:"signature_token"`
	Signature        string `json:"signature"`
	SignatureAccount string `json:"signature_account"`
	SignatureMessage string `json:"signature_message"`
}

// challengeMessage renders the human-readable text the wallet signs.
// It names the truncated wallet, the requesting IP, and the access window
// so the signer can see exactly what is being granted.
func challengeMessage(walletAddr, clientIP string, window time.Duration) string {
	return fmt.Sprintf(
		"VLM access request for wallet %s from %s.\nSigning this message grants scene access for up to %d hours.",
		wallet.TruncateAddress(walletAddr),
		clientIP,
		int(window.Hours()),
	)
}
