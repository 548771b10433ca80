package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func TestTokenMinter_Format(t *testing.T) {
	m := NewTokenMinter("test-secret")
	token := m.Mint("session-1234")

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		t.Fatalf("expected payload.signature, got %d parts", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if !strings.HasPrefix(string(payload), "session-1234:") {
		t.Errorf("payload should start with the id, got %q", payload)
	}

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if parts[1] != want {
		t.Errorf("signature mismatch: got %s want %s", parts[1], want)
	}
}

func TestTokenMinter_DistinctIDsDistinctTokens(t *testing.T) {
	m := NewTokenMinter("test-secret")

	a := m.Mint("client-a")
	b := m.Mint("client-b")
	if a == b {
		t.Error("tokens for distinct ids must differ")
	}
}

func TestTokenMinter_SecretChangesSignature(t *testing.T) {
	a := NewTokenMinter("secret-a").Mint("id")
	b := NewTokenMinter("secret-b").Mint("id")

	sigA := strings.SplitN(a, ".", 2)[1]
	sigB := strings.SplitN(b, ".", 2)[1]
	if sigA == sigB {
		t.Error("different secrets must produce different signatures")
	}
}
