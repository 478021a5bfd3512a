package storage

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrBadSignature is returned for tampered or foreign read handles.
	ErrBadSignature = errors.New("invalid read handle signature")
	// ErrExpired is returned for read handles past their expiry.
	ErrExpired = errors.New("read handle expired")
)

// Signer signs and verifies read handles with HMAC-SHA256.
type Signer struct {
	key []byte
}

// NewSigner returns a signer for key. An empty key yields a random per-process key,
// which invalidates outstanding handles on restart.
func NewSigner(key string) *Signer {
	if key == "" {
		return &Signer{key: []byte(randomHex(32))}
	}
	return &Signer{key: []byte(key)}
}

// Sign returns the hex signature binding key to expires.
func (s *Signer) Sign(key string, expires time.Time) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires.Unix(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a handle's expiry (unix seconds) and signature at now.
func (s *Signer) Verify(key, expires, sig string, now time.Time) error {
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	exp := time.Unix(unix, 0)
	if !hmac.Equal([]byte(s.Sign(key, exp)), []byte(sig)) {
		return ErrBadSignature
	}
	if now.After(exp) {
		return ErrExpired
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
