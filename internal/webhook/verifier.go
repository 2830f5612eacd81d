// Package webhook authenticates inbound webhook deliveries: HMAC signatures,
// timestamp freshness, replay deduplication and payload shape checks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"
)

const DefaultTolerance = 5 * time.Minute

// Reasons reported in Result.Error. They never contain the secret, the
// expected signature or any backend detail.
const (
	ReasonMissing        = "Missing signature or secret"
	ReasonBadTimestamp   = "Invalid timestamp format"
	ReasonStale          = "Webhook timestamp too old"
	ReasonBadFormat      = "Invalid signature format"
	ReasonBadSignature   = "Signature mismatch"
	signaturePrefix      = "sha256="
	expectedSignatureLen = sha256.Size * 2
)

// Result is the outcome of verifying one delivery.
type Result struct {
	IsValid bool   `json:"isValid"`
	Error   string `json:"error,omitempty"`
}

// Verifier checks HMAC-SHA256 signatures. The zero value uses the default
// tolerance and the wall clock.
type Verifier struct {
	Tolerance time.Duration
	Clock     func() time.Time
}

func (v Verifier) now() time.Time {
	if v.Clock != nil {
		return v.Clock()
	}
	return time.Now()
}

func (v Verifier) tolerance() time.Duration {
	if v.Tolerance > 0 {
		return v.Tolerance
	}
	return DefaultTolerance
}

// Verify authenticates body against signature. When timestamp (Unix seconds)
// is non-empty the signed message is timestamp + "." + body and the timestamp
// must be within the tolerance of now; otherwise the body alone is signed.
// Cheap rejections happen before any HMAC is computed.
func (v Verifier) Verify(body []byte, signature, secret, timestamp string) Result {
	if signature == "" || secret == "" {
		return Result{Error: ReasonMissing}
	}

	if timestamp != "" {
		ts, err := parseUnix(timestamp)
		if err != nil {
			return Result{Error: ReasonBadTimestamp}
		}
		age := v.now().Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > v.tolerance() {
			return Result{Error: ReasonStale}
		}
	}

	provided := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
	if len(provided) != expectedSignatureLen {
		return Result{Error: ReasonBadFormat}
	}

	expected := Sign(body, secret, timestamp)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return Result{Error: ReasonBadSignature}
	}
	return Result{IsValid: true}
}

// Sign returns the lowercase hex HMAC-SHA256 a sender attaches to body.
func Sign(body []byte, secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	if timestamp != "" {
		mac.Write([]byte(timestamp))
		mac.Write([]byte("."))
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
