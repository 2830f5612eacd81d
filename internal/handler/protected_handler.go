package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"edge-guard/internal/middleware"
	"edge-guard/internal/ratelimit"
	"edge-guard/internal/util"
)

// ProtectedHandler mounts one route per endpoint class behind its preset.
// The routes acknowledge admitted requests and report the remaining quota,
// which lets clients and load tests observe the limits.
type ProtectedHandler struct {
	protector *middleware.Protector
}

func NewProtectedHandler(protector *middleware.Protector) *ProtectedHandler {
	return &ProtectedHandler{protector: protector}
}

func (h *ProtectedHandler) RegisterRoutes(router chi.Router) {
	ep := h.protector.Endpoints()

	router.With(ep.Auth()).Post("/auth/login", h.Acknowledge)
	router.With(ep.PasswordReset()).Post("/auth/password-reset", h.Acknowledge)
	router.With(ep.Email()).Post("/email/send", h.Acknowledge)
	router.With(ep.Checkout()).Post("/checkout", h.Acknowledge)
	router.With(ep.Search()).Get("/search", h.Acknowledge)
	router.With(ep.API()).Get("/products", h.Acknowledge)
	router.With(ep.Tiered(ratelimit.PolicyAPI)).Get("/recommendations", h.Acknowledge)
}

// Acknowledge echoes the decision that admitted the request.
func (h *ProtectedHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{"path": r.URL.Path}
	if dec, ok := middleware.DecisionFromContext(r.Context()); ok {
		data["limit"] = dec.Limit
		data["remaining"] = dec.Remaining
	}
	util.WriteJSON(w, http.StatusOK, successResponse(data, "accepted"))
}
