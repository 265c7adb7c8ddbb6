package token

import (
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SessionSecret = []byte("0123456789abcdef0123456789abcdef")
	cfg.SignatureSecret = []byte("fedcba9876543210fedcba9876543210")
	cfg.RefreshSecret = []byte("aaaabbbbccccddddeeeeffff00001111")
	return cfg
}

func TestCodec_RoundTrip(t *testing.T) {
	codec, err := NewCodec(testConfig())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, kind := range []Kind{KindSession, KindSignature, KindRefresh} {
		signed, exp, err := codec.Issue(kind, "vlm:session:user", "01HZX4W9K3", "user-1", now)
		if err != nil {
			t.Fatalf("Issue(%s): %v", kind, err)
		}
		if !exp.After(now) {
			t.Fatalf("Issue(%s): exp not after now", kind)
		}

		claims, err := codec.Verify(kind, signed, now.Add(10*time.Second))
		if err != nil {
			t.Fatalf("Verify(%s): %v", kind, err)
		}
		if claims.SortKey != "01HZX4W9K3" || claims.UserID != "user-1" {
			t.Fatalf("Verify(%s): wrong claims: %+v", kind, claims)
		}
		if kind != KindRefresh && claims.PartitionKey != "vlm:session:user" {
			t.Fatalf("Verify(%s): wrong pk: %q", kind, claims.PartitionKey)
		}
		if claims.Nonce == "" {
			t.Fatalf("Verify(%s): missing nonce", kind)
		}
	}
}

func TestCodec_KindIsolation(t *testing.T) {
	codec, err := NewCodec(testConfig())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signed, _, err := codec.Issue(KindSession, "vlm:session:user", "sk-1", "user-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// A session token must not verify as a signature or refresh token.
	if _, err := codec.Verify(KindSignature, signed, now); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for cross-kind verify, got %v", err)
	}
	if _, err := codec.Verify(KindRefresh, signed, now); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for cross-kind verify, got %v", err)
	}
}

func TestCodec_Expiry(t *testing.T) {
	cfg := testConfig()
	cfg.ClockSkew = 0
	codec, err := NewCodec(cfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signed, exp, err := codec.Issue(KindSignature, "vlm:session:user", "sk-1", "user-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := codec.Verify(KindSignature, signed, exp.Add(-time.Second)); err != nil {
		t.Fatalf("expected valid before expiry, got %v", err)
	}
	if _, err := codec.Verify(KindSignature, signed, exp.Add(time.Second)); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
}

func TestCodec_TamperFailsClosed(t *testing.T) {
	codec, err := NewCodec(testConfig())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signed, _, err := codec.Issue(KindSession, "vlm:session:user", "sk-1", "user-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Flip one character in each JWT segment.
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape")
	}
	for i := range parts {
		mutated := make([]string, 3)
		copy(mutated, parts)
		seg := []byte(mutated[i])
		if seg[0] == 'A' {
			seg[0] = 'B'
		} else {
			seg[0] = 'A'
		}
		mutated[i] = string(seg)

		if _, err := codec.Verify(KindSession, strings.Join(mutated, "."), now); err != ErrInvalidToken {
			t.Fatalf("segment %d: expected ErrInvalidToken, got %v", i, err)
		}
	}

	if _, err := codec.Verify(KindSession, "not-a-token", now); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
	if _, err := codec.Verify(KindSession, "", now); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for empty, got %v", err)
	}
}
