// Package ticket issues and verifies the short-lived signed tokens behind the
// upload and download handshake.
package ticket

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"mnemo/internal/models"
)

// Purpose scopes a ticket; a ticket signed for one purpose never verifies for another.
type Purpose string

const (
	PurposeUpload   Purpose = "upload"
	PurposeDownload Purpose = "download"
)

const minSecretLength = 16

// Claims is the signed ticket payload.
type Claims struct {
	Purpose        Purpose `json:"p"`
	NoteID         string  `json:"n,omitempty"`
	Filename       string  `json:"f,omitempty"`
	ContentType    string  `json:"ct,omitempty"`
	OverrideTypeID string  `json:"ot,omitempty"`
	AttachmentID   string  `json:"a,omitempty"`
	MaxBytes       int64   `json:"mb,omitempty"`
	ExpiresAt      int64   `json:"exp"`
	Nonce          string  `json:"nc"`
}

// Expires returns the expiry as a time.
func (c Claims) Expires() time.Time {
	return time.Unix(c.ExpiresAt, 0).UTC()
}

// Signer issues and verifies tickets with per-purpose keys derived from one secret.
type Signer struct {
	keys map[Purpose][]byte
	now  func() time.Time
}

// NewSigner derives purpose keys from secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("ticket secret must be at least %d bytes", minSecretLength)
	}
	s := &Signer{keys: map[Purpose][]byte{}, now: time.Now}
	for _, p := range []Purpose{PurposeUpload, PurposeDownload} {
		key := make([]byte, sha256.Size)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("mnemo ticket "+string(p))), key); err != nil {
			return nil, fmt.Errorf("derive %s key: %w", p, err)
		}
		s.keys[p] = key
	}
	return s, nil
}

// RandomSecret returns a fresh secret for deployments without a configured one.
func RandomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Issue signs claims for ttl and returns the token and its claims.
func (s *Signer) Issue(claims Claims, ttl time.Duration) (string, Claims, error) {
	key, ok := s.keys[claims.Purpose]
	if !ok {
		return "", Claims{}, fmt.Errorf("unknown ticket purpose %q", claims.Purpose)
	}
	if ttl <= 0 {
		return "", Claims{}, fmt.Errorf("ticket ttl must be positive")
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return "", Claims{}, err
	}
	claims.Nonce = hex.EncodeToString(nonce)
	claims.ExpiresAt = s.now().Add(ttl).Unix()

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + sign(key, body), claims, nil
}

// Verify checks the token's signature, purpose and expiry.
func (s *Signer) Verify(purpose Purpose, token string) (Claims, error) {
	key, ok := s.keys[purpose]
	if !ok {
		return Claims{}, fmt.Errorf("unknown ticket purpose %q: %w", purpose, models.ErrInvalidTicket)
	}
	body, sig, found := strings.Cut(token, ".")
	if !found || body == "" || sig == "" {
		return Claims{}, fmt.Errorf("malformed ticket: %w", models.ErrInvalidTicket)
	}
	if !hmac.Equal([]byte(sig), []byte(sign(key, body))) {
		return Claims{}, fmt.Errorf("bad ticket signature: %w", models.ErrInvalidTicket)
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Claims{}, fmt.Errorf("malformed ticket payload: %w", models.ErrInvalidTicket)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("malformed ticket payload: %w", models.ErrInvalidTicket)
	}
	if claims.Purpose != purpose {
		return Claims{}, fmt.Errorf("ticket purpose %q: %w", claims.Purpose, models.ErrInvalidTicket)
	}
	if !s.now().Before(claims.Expires()) {
		return Claims{}, fmt.Errorf("ticket expired: %w", models.ErrInvalidTicket)
	}
	return claims, nil
}

func sign(key []byte, body string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}
