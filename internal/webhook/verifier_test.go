package webhook

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return now }

func TestVerifyRoundTrip(t *testing.T) {
	v := Verifier{Clock: fixedClock}
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"event_type":"order.updated","data":{"order_id":"1","status":"paid"}}`)

	sig := Sign(body, "whsec", ts)
	res := v.Verify(body, sig, "whsec", ts)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Error)

	// sha256= prefix and upper case are accepted.
	res = v.Verify(body, "sha256="+strings.ToUpper(sig), "whsec", ts)
	assert.True(t, res.IsValid)

	// Without a timestamp only the body is signed.
	res = v.Verify(body, Sign(body, "whsec", ""), "whsec", "")
	assert.True(t, res.IsValid)
}

func TestVerifyWrongSecret(t *testing.T) {
	v := Verifier{Clock: fixedClock}
	body := []byte(`{"a":1}`)

	res := v.Verify(body, Sign(body, "s", ""), "t", "")
	assert.False(t, res.IsValid)
	assert.Contains(t, strings.ToLower(res.Error), "signature")
	assert.NotContains(t, res.Error, Sign(body, "t", ""))
}

func TestVerifyRejectsAnySingleByteFlip(t *testing.T) {
	v := Verifier{Clock: fixedClock}
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"order_id":"A-1","total_amount":42}`)
	sig := Sign(body, "secret", ts)

	for i := range body {
		flipped := append([]byte(nil), body...)
		flipped[i] ^= 0x01
		assert.False(t, v.Verify(flipped, sig, "secret", ts).IsValid, "payload byte %d", i)
	}

	for i := range sig {
		b := []byte(sig)
		if b[i] == '0' {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
		assert.False(t, v.Verify(body, string(b), "secret", ts).IsValid, "signature byte %d", i)
	}
}

func TestVerifyTimestampTolerance(t *testing.T) {
	v := Verifier{Clock: fixedClock}
	body := []byte(`{}`)

	tests := []struct {
		name   string
		offset time.Duration
		valid  bool
	}{
		{"now", 0, true},
		{"at tolerance", -5 * time.Minute, true},
		{"future within tolerance", 4 * time.Minute, true},
		{"stale", -5*time.Minute - time.Second, false},
		{"far future", 10 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := strconv.FormatInt(now.Add(tt.offset).Unix(), 10)
			res := v.Verify(body, Sign(body, "k", ts), "k", ts)
			assert.Equal(t, tt.valid, res.IsValid)
			if !tt.valid {
				assert.Equal(t, ReasonStale, res.Error)
			}
		})
	}
}

func TestVerifyToleranceIsNotRoundedToSeconds(t *testing.T) {
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(body, "k", ts)

	tests := []struct {
		name  string
		clock time.Duration
		valid bool
	}{
		{"exactly at tolerance", DefaultTolerance, true},
		{"one millisecond past", DefaultTolerance + time.Millisecond, false},
		{"most of a second past", DefaultTolerance + 900*time.Millisecond, false},
		{"future beyond tolerance", -DefaultTolerance - time.Millisecond, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Verifier{Clock: func() time.Time { return now.Add(tt.clock) }}
			res := v.Verify(body, sig, "k", ts)
			assert.Equal(t, tt.valid, res.IsValid)
			if !tt.valid {
				assert.Equal(t, ReasonStale, res.Error)
			}
		})
	}
}

func TestVerifyCheapRejections(t *testing.T) {
	v := Verifier{Clock: fixedClock, Tolerance: time.Minute}
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(body, "k", ts)

	assert.Equal(t, Result{Error: ReasonMissing}, v.Verify(body, "", "k", ts))
	assert.Equal(t, Result{Error: ReasonMissing}, v.Verify(body, sig, "", ts))
	assert.Equal(t, Result{Error: ReasonBadTimestamp}, v.Verify(body, sig, "k", "yesterday"))
	assert.Equal(t, Result{Error: ReasonBadFormat}, v.Verify(body, sig[:10], "k", ts))

	// Custom tolerance applies.
	old := strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10)
	assert.Equal(t, ReasonStale, v.Verify(body, Sign(body, "k", old), "k", old).Error)
}

func TestSignIsDeterministic(t *testing.T) {
	a := Sign([]byte("x"), "k", "1")
	require.Len(t, a, 64)
	assert.Equal(t, a, Sign([]byte("x"), "k", "1"))
	assert.NotEqual(t, a, Sign([]byte("x"), "k", "2"))
}
