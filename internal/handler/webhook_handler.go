package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"edge-guard/internal/audit"
	"edge-guard/internal/middleware"
	"edge-guard/internal/util"
	"edge-guard/internal/webhook"
)

// WebhookHandler receives signed event deliveries.
type WebhookHandler struct {
	protector *middleware.Protector
	intake    *webhook.Intake
	recorder  middleware.AuditRecorder
	required  map[string][]string
	logger    *zap.Logger
}

func NewWebhookHandler(protector *middleware.Protector, intake *webhook.Intake, recorder middleware.AuditRecorder, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		protector: protector,
		intake:    intake,
		recorder:  recorder,
		required:  webhook.DefaultRequiredFields(),
		logger:    logger,
	}
}

// RegisterRoutes mounts the intake. Rate limiting runs before signature
// checks so floods never reach the HMAC.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.With(h.protector.Endpoints().Webhook(), h.intake.Middleware).
		Handle("/webhooks/events", http.HandlerFunc(h.HandleEvent))
}

// HandleEvent validates the envelope of an authenticated delivery.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	delivery, ok := webhook.DeliveryFromContext(r.Context())
	if !ok {
		util.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": util.MsgProcessingFailed})
		return
	}

	env, err := webhook.ParseEnvelope(delivery.Body, h.required)
	if err != nil {
		h.logger.Warn("Webhook payload rejected",
			zap.String("webhook_id", delivery.ID),
			zap.Error(err))
		util.WriteError(w, err)
		return
	}

	h.logger.Info("Processing webhook",
		zap.String("webhook_id", delivery.ID),
		zap.String("event_type", env.EventType))

	if h.recorder != nil {
		h.recorder.Record(audit.Event{
			Type:       audit.WebhookProcessed,
			Source:     "webhook",
			Identifier: delivery.ID,
			Outcome:    "processed",
			RemoteAddr: delivery.RemoteAddr,
			Attributes: map[string]string{"event_type": env.EventType},
		})
	}

	util.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"webhook_id": delivery.ID,
	})
}
