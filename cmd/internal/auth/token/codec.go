// Package token implements the three-kind bearer token codec.
//
// Session, signature (challenge), and refresh tokens are independent JWTs:
// each kind has its own HMAC secret and expiry policy, so possession of
// one kind never substitutes for another.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind selects which token family a codec operation targets.
type Kind uint8

const (
	// KindSession is the short-lived access token presented on every
	// authenticated request and room join.
	KindSession Kind = iota
	// KindSignature is the ~90s challenge token binding a login attempt
	// to its wallet-signature flow.
	KindSignature
	// KindRefresh is the long-lived token used to mint new session
	// tokens without re-signing the challenge.
	KindRefresh
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindSignature:
		return "signature"
	case KindRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Claims is the verified claim set carried by every token kind.
// Refresh tokens omit PartitionKey.
type Claims struct {
	PartitionKey string
	SortKey      string
	UserID       string
	Nonce        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Codec signs and verifies the three token kinds.
type Codec struct {
	cfg Config
}

// NewCodec constructs a Codec. Secrets must be present for all kinds.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.SessionSecret) == 0 || len(cfg.SignatureSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, ErrConfig
	}
	if cfg.SessionTTL <= 0 || cfg.SignatureTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, ErrConfig
	}
	return &Codec{cfg: cfg}, nil
}

func (c *Codec) secret(kind Kind) []byte {
	switch kind {
	case KindSession:
		return c.cfg.SessionSecret
	case KindSignature:
		return c.cfg.SignatureSecret
	case KindRefresh:
		return c.cfg.RefreshSecret
	default:
		return nil
	}
}

// TTL returns the validity window for a token kind.
func (c *Codec) TTL(kind Kind) time.Duration {
	switch kind {
	case KindSession:
		return c.cfg.SessionTTL
	case KindSignature:
		return c.cfg.SignatureTTL
	case KindRefresh:
		return c.cfg.RefreshTTL
	default:
		return 0
	}
}

// Issue signs a token of the given kind for the session identified by
// (pk, sk, userID). The returned expiry is what the caller must persist
// onto the session record.
func (c *Codec) Issue(kind Kind, pk, sk, userID string, now time.Time) (signed string, exp time.Time, err error) {
	secret := c.secret(kind)
	if secret == nil {
		return "", time.Time{}, ErrConfig
	}

	exp = now.Add(c.TTL(kind))

	claims := jwt.MapClaims{
		"iss":    c.cfg.Issuer,
		"iat":    jwt.NewNumericDate(now),
		"exp":    jwt.NewNumericDate(exp),
		"sk":     sk,
		"userId": userID,
		"nonce":  newNonce(),
	}
	if kind != KindRefresh {
		claims["pk"] = pk
	}

	signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses and validates a token of the given kind at time now.
// It fails closed: every failure mode collapses into ErrInvalidToken.
func (c *Codec) Verify(kind Kind, signed string, now time.Time) (Claims, error) {
	secret := c.secret(kind)
	if secret == nil || signed == "" {
		return Claims{}, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.cfg.ClockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	parsed, err := parser.Parse(signed, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{
		PartitionKey: stringClaim(mc, "pk"),
		SortKey:      stringClaim(mc, "sk"),
		UserID:       stringClaim(mc, "userId"),
		Nonce:        stringClaim(mc, "nonce"),
	}
	if out.SortKey == "" {
		return Claims{}, ErrInvalidToken
	}
	if kind != KindRefresh && out.PartitionKey == "" {
		return Claims{}, ErrInvalidToken
	}

	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	return out, nil
}

func stringClaim(mc jwt.MapClaims, key string) string {
	v, _ := mc[key].(string)
	return v
}

func newNonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
