// Package tokens issues short-lived HMAC tokens that authorize out-of-band
// result uploads for dispatched commands and script runs.
package tokens

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("malformed token")
	ErrBadSig    = errors.New("invalid token signature")
	ErrExpired   = errors.New("token expired")
)

// Issuer mints and validates expiring tokens.
// Token format: {nonce}:{expiry-unix}:{hmac-sha256(nonce+expiry, secret)}
type Issuer struct {
	secret []byte
}

// NewIssuer creates an Issuer with the given signing secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue mints a token valid for the given lifetime.
func (i *Issuer) Issue(lifetime time.Duration) string {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	n := hex.EncodeToString(nonce)
	exp := strconv.FormatInt(time.Now().Add(lifetime).Unix(), 10)
	return n + ":" + exp + ":" + i.sign(n, exp)
}

// Validate checks a token's signature and expiry.
func (i *Issuer) Validate(token string) error {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return ErrMalformed
	}
	nonce, expStr, sig := parts[0], parts[1], parts[2]

	expected := i.sign(nonce, expStr)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrBadSig
	}

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrMalformed
	}
	if time.Now().After(time.Unix(exp, 0)) {
		return ErrExpired
	}
	return nil
}

func (i *Issuer) sign(nonce, exp string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(nonce + ":" + exp))
	return hex.EncodeToString(mac.Sum(nil))
}
