// Package signature signs and verifies webhook bodies with HMAC-SHA256 over
// "<unix timestamp>.<body>", sent as "sha256=<hex>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	prefix = "sha256="

	// DefaultTolerance is the accepted clock skew between signer and verifier.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissing  = errors.New("missing signature headers")
	ErrExpired  = errors.New("signature timestamp outside tolerance")
	ErrMismatch = errors.New("signature mismatch")
)

// Sign returns the header value for body signed at timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body. tolerance <= 0 disables the age check.
func Verify(secret, timestampHeader, signatureHeader string, body []byte, now time.Time, tolerance time.Duration) error {
	if timestampHeader == "" || signatureHeader == "" {
		return ErrMissing
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return ErrMissing
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < -tolerance || skew > tolerance {
			return ErrExpired
		}
	}
	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(strings.TrimSpace(signatureHeader)), []byte(expected)) {
		return ErrMismatch
	}
	return nil
}
