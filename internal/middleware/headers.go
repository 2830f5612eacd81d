package middleware

import (
	"net/http"
	"strconv"
	"time"

	"edge-guard/internal/ratelimit"
	"edge-guard/internal/util"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// setRateLimitHeaders writes the limit headers of dec. Reset is in epoch
// seconds.
func setRateLimitHeaders(h http.Header, dec ratelimit.Decision) {
	h.Set(HeaderLimit, strconv.FormatInt(dec.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(max(dec.Remaining, 0), 10))
	h.Set(HeaderReset, strconv.FormatInt(resetEpochSeconds(dec.ResetAt), 10))
}

// resetEpochSeconds rounds t up so the advertised reset is never earlier
// than the real one.
func resetEpochSeconds(t time.Time) int64 {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}
	return secs
}

// retryAfterSeconds rounds d up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

// ServiceUnavailable answers when rate limiting itself cannot run and the
// caller chose to fail closed.
func ServiceUnavailable(w http.ResponseWriter, err error) {
	w.Header().Set(HeaderRetryAfter, "60")
	util.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error":   "Service temporarily unavailable",
		"details": util.SanitizeError(err),
	})
}
