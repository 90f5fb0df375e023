// Package billing applies subscription changes pushed by the payment
// provider to user plans.
package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the provider signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds the accepted clock skew of a signed delivery.
const DefaultTolerance = 300 * time.Second

var (
	ErrMissingSecret    = errors.New("billing: webhook secret is not configured")
	ErrMissingSignature = errors.New("billing: no signature header")
	ErrBadSignature     = errors.New("billing: signature mismatch")
	ErrStaleSignature   = errors.New("billing: signature timestamp outside tolerance")
)

// Verifier checks v1 webhook signatures: HMAC-SHA256 over "{t}.{body}".
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier binds a verifier to the endpoint secret. tolerance <= 0 uses
// DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}, nil
}

// Verify checks header against body.
func (v *Verifier) Verify(header string, body []byte) error {
	timestamp, signatures := parseSignatureHeader(header)
	if timestamp == "" || len(signatures) == 0 {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 {
		return ErrMissingSignature
	}

	expected := v.sign(timestamp, body)
	valid := false
	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			valid = true
			break
		}
	}
	if !valid {
		return ErrBadSignature
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrStaleSignature
	}
	return nil
}

// Header builds a signature header for body at t. Used by tests and local tooling.
func (v *Verifier) Header(t time.Time, body []byte) string {
	timestamp := strconv.FormatInt(t.Unix(), 10)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(v.sign(timestamp, body))
}

func (v *Verifier) sign(timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (string, []string) {
	var t string
	var v1 []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		switch {
		case k == "t" && t == "":
			t = val
		case k == "v1" && val != "":
			v1 = append(v1, val)
		}
	}
	return t, v1
}
