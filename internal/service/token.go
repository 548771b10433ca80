package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenMinter issues the opaque session bearer tokens consumed by the
// reverse proxy's auth sub-requests. A token is
// base64(id:unixMillis) + "." + hex(HMAC-SHA-256(id:unixMillis)). The encoded
// payload aids offline debugging but is never trusted; validation goes
// through the coordinator's token maps only.
type TokenMinter struct {
	secret []byte
	nowFn  func() time.Time
}

func NewTokenMinter(secret string) *TokenMinter {
	return &TokenMinter{
		secret: []byte(secret),
		nowFn:  time.Now,
	}
}

func (m *TokenMinter) Mint(id string) string {
	payload := fmt.Sprintf("%s:%d", id, m.nowFn().UnixMilli())

	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))

	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + hex.EncodeToString(mac.Sum(nil))
}
