package util

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Error taxonomy shared by the limiter, the middleware and the webhook layer.
var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance, signature not accepted")
	ErrReplayDetected   = errors.New("webhook replay detected")
	ErrStoreUnavailable = errors.New("counting store unavailable")
	ErrMalformedInput   = errors.New("malformed input")
	ErrInvalidPolicy    = errors.New("invalid rate limit policy")
)

// Externally safe messages. Nothing else may cross the trust boundary.
const (
	MsgRateLimited      = "Rate limit exceeded"
	MsgInvalidSignature = "Invalid webhook signature"
	MsgDuplicateWebhook = "Duplicate webhook"
	MsgProcessingFailed = "Webhook processing failed"
)

// SanitizeError logs err with full detail and returns the generic message that
// may be shown to the caller.
func SanitizeError(err error) string {
	return sanitizeWith(Get(), err)
}

func sanitizeWith(logger *zap.Logger, err error) string {
	if err == nil {
		return MsgProcessingFailed
	}
	logger.Error("Request processing error", zap.Error(err))

	switch {
	case errors.Is(err, ErrRateLimited):
		return MsgRateLimited
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrStaleTimestamp):
		return MsgInvalidSignature
	case errors.Is(err, ErrReplayDetected):
		return MsgDuplicateWebhook
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return MsgRateLimited
	case strings.Contains(msg, "signature"):
		return MsgInvalidSignature
	case strings.Contains(msg, "replay"), strings.Contains(msg, "duplicate"):
		return MsgDuplicateWebhook
	}
	return MsgProcessingFailed
}

// StatusFor maps an error of the taxonomy to the HTTP status it is surfaced as.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrStaleTimestamp):
		return http.StatusUnauthorized
	case errors.Is(err, ErrReplayDetected):
		return http.StatusConflict
	case errors.Is(err, ErrMalformedInput), errors.Is(err, ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes body as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		Warn("Failed to encode JSON response", zap.Error(err))
	}
}

// WriteError sanitizes err and writes it as {"error": "..."} with the status
// from StatusFor.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), map[string]string{"error": SanitizeError(err)})
}
