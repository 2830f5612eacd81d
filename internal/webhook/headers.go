package webhook

import (
	"net/http"
	"strconv"
	"strings"
)

// SecureHeaders sets the response headers of a webhook endpoint. Without
// allowed origins no CORS headers are sent; otherwise only the first origin
// is allowed, never a wildcard.
func SecureHeaders(h http.Header, names HeaderNames, allowedOrigins []string) {
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")

	if len(allowedOrigins) == 0 || allowedOrigins[0] == "*" {
		return
	}
	h.Set("Access-Control-Allow-Origin", allowedOrigins[0])
	h.Set("Access-Control-Allow-Methods", http.MethodPost)
	h.Set("Access-Control-Allow-Headers", strings.ToLower(strings.Join([]string{
		"Content-Type", names.Signature, names.Timestamp, names.ID,
	}, ", ")))
	h.Set("Access-Control-Max-Age", "86400")
	h.Add("Vary", "Origin")
}

func parseUnix(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
