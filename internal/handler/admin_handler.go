package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"edge-guard/internal/middleware"
	"edge-guard/internal/ratelimit"
	"edge-guard/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// RateLimitStatus is the admin view of one counter.
type RateLimitStatus struct {
	Policy     string    `json:"policy"`
	Algorithm  string    `json:"algorithm"`
	Identifier string    `json:"identifier"`
	Allowed    bool      `json:"allowed"`
	Limit      int64     `json:"limit"`
	Remaining  int64     `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	TotalHits  int64     `json:"total_hits"`
}

// AdminHandler exposes operator endpoints for rate limit counters.
type AdminHandler struct {
	protector *middleware.Protector
	limiter   *ratelimit.Limiter
	registry  *ratelimit.Registry
	token     string
	logger    *zap.Logger
}

func NewAdminHandler(protector *middleware.Protector, limiter *ratelimit.Limiter, registry *ratelimit.Registry, token string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		protector: protector,
		limiter:   limiter,
		registry:  registry,
		token:     token,
		logger:    logger,
	}
}

// RegisterRoutes mounts the admin API. Every route requires the admin token
// and counts against the admin policy.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin/ratelimit", func(r chi.Router) {
		r.Use(h.protector.Endpoints().Admin())
		r.Use(h.requireToken)

		r.Get("/policies", h.ListPolicies)
		r.Get("/{policy}/{identifier}", h.GetStatus)
		r.Delete("/{identifier}", h.ResetLimit)
	})
}

func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.token == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
			h.logger.Warn("Rejected admin request",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr))
			util.WriteJSON(w, http.StatusUnauthorized, Response{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListPolicies returns the registered presets.
func (h *AdminHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	names := h.registry.Names()
	policies := make([]ratelimit.Policy, 0, len(names))
	for _, name := range names {
		if p, ok := h.registry.Get(name); ok {
			policies = append(policies, p)
		}
	}
	util.WriteJSON(w, http.StatusOK, successResponse(policies, ""))
}

// GetStatus reports a counter without consuming from it.
func (h *AdminHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	identifier, err := pathParam(r, "identifier")
	if err != nil {
		util.WriteError(w, err)
		return
	}

	policy, ok := h.registry.Get(chi.URLParam(r, "policy"))
	if !ok {
		util.WriteJSON(w, http.StatusNotFound, Response{Error: "unknown policy"})
		return
	}

	dec, err := h.limiter.Status(r.Context(), identifier, policy)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteJSON(w, http.StatusOK, successResponse(RateLimitStatus{
		Policy:     policy.Name,
		Algorithm:  string(policy.Algorithm),
		Identifier: identifier,
		Allowed:    dec.Allowed,
		Limit:      dec.Limit,
		Remaining:  dec.Remaining,
		ResetAt:    dec.ResetAt.UTC(),
		TotalHits:  dec.TotalHits,
	}, ""))
}

// ResetLimit clears every counter of an identifier.
func (h *AdminHandler) ResetLimit(w http.ResponseWriter, r *http.Request) {
	identifier, err := pathParam(r, "identifier")
	if err != nil {
		util.WriteError(w, err)
		return
	}

	if err := h.protector.ResetLimit(r.Context(), identifier); err != nil {
		util.WriteError(w, err)
		return
	}

	h.logger.Info("Rate limit reset by admin",
		zap.String("identifier", identifier),
		zap.String("remote_addr", r.RemoteAddr))
	util.WriteJSON(w, http.StatusOK, successResponse(map[string]string{"identifier": identifier}, "rate limit reset"))
}

func pathParam(r *http.Request, name string) (string, error) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil {
		return "", errors.Join(util.ErrMalformedInput, err)
	}
	if strings.TrimSpace(v) == "" {
		return "", util.ErrMalformedInput
	}
	return v, nil
}
