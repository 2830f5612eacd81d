package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"edge-guard/internal/util"
)

// Outcome classifies how the intake disposed of a delivery.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeMalformed Outcome = "malformed"
	OutcomeInvalid   Outcome = "invalid_signature"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// HeaderNames are the request headers a delivery must carry.
type HeaderNames struct {
	Signature string
	Timestamp string
	ID        string
}

func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Signature: "X-Webhook-Signature",
		Timestamp: "X-Webhook-Timestamp",
		ID:        "X-Webhook-Id",
	}
}

// Delivery is an authenticated, first-seen webhook request.
type Delivery struct {
	ID         string
	Timestamp  time.Time
	Body       []byte
	RemoteAddr string
}

type deliveryKey struct{}

// DeliveryFromContext returns the delivery the intake stored for the handler.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

type IntakeConfig struct {
	Secret         string
	Verifier       Verifier
	Guard          ReplayGuard
	Headers        HeaderNames
	MaxBodyBytes   int64
	AllowedOrigins []string
	Logger         *zap.Logger
	// Observer sees every disposition, e.g. for metrics and audit.
	Observer func(r *http.Request, id string, outcome Outcome)
}

// Intake is HTTP middleware that admits only signed, fresh, first-seen
// deliveries to the wrapped handler.
type Intake struct {
	cfg IntakeConfig
}

func NewIntake(cfg IntakeConfig) (*Intake, error) {
	if cfg.Secret == "" {
		return nil, errors.New("webhook intake requires a secret")
	}
	if cfg.Guard == nil {
		cfg.Guard = NewMemoryReplayGuard(DefaultReplayRetention, cfg.Verifier.Clock)
	}
	defaults := DefaultHeaderNames()
	if cfg.Headers.Signature == "" {
		cfg.Headers.Signature = defaults.Signature
	}
	if cfg.Headers.Timestamp == "" {
		cfg.Headers.Timestamp = defaults.Timestamp
	}
	if cfg.Headers.ID == "" {
		cfg.Headers.ID = defaults.ID
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Intake{cfg: cfg}, nil
}

func (in *Intake) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SecureHeaders(w.Header(), in.cfg.Headers, in.cfg.AllowedOrigins)

		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			util.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		signature := r.Header.Get(in.cfg.Headers.Signature)
		timestamp := r.Header.Get(in.cfg.Headers.Timestamp)
		id := strings.TrimSpace(r.Header.Get(in.cfg.Headers.ID))
		if signature == "" || timestamp == "" || id == "" {
			in.reject(w, r, id, OutcomeMalformed, fmt.Errorf("%w: missing required webhook headers", util.ErrMalformedInput))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, in.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				in.observe(r, id, OutcomeMalformed)
				util.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": util.MsgProcessingFailed})
				return
			}
			in.reject(w, r, id, OutcomeMalformed, fmt.Errorf("%w: read body: %v", util.ErrMalformedInput, err))
			return
		}

		res := in.cfg.Verifier.Verify(body, signature, in.cfg.Secret, timestamp)
		if !res.IsValid {
			in.cfg.Logger.Warn("Webhook signature validation failed",
				zap.String("reason", res.Error),
				zap.String("webhook_id", id),
				zap.String("remote_addr", r.RemoteAddr))
			in.observe(r, id, OutcomeInvalid)
			util.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
			return
		}

		dup, err := in.cfg.Guard.CheckAndMark(r.Context(), id)
		if err != nil {
			in.reject(w, r, id, OutcomeError, fmt.Errorf("%w: replay check: %v", util.ErrStoreUnavailable, err))
			return
		}
		if dup {
			in.cfg.Logger.Warn("Duplicate webhook detected",
				zap.String("webhook_id", id),
				zap.String("remote_addr", r.RemoteAddr))
			in.observe(r, id, OutcomeDuplicate)
			util.WriteJSON(w, http.StatusConflict, map[string]string{"error": util.MsgDuplicateWebhook})
			return
		}

		in.observe(r, id, OutcomeAccepted)

		delivery := Delivery{ID: id, Body: body, RemoteAddr: r.RemoteAddr}
		if sec, err := parseUnix(timestamp); err == nil {
			delivery.Timestamp = time.Unix(sec, 0)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deliveryKey{}, delivery)))
	})
}

func (in *Intake) reject(w http.ResponseWriter, r *http.Request, id string, outcome Outcome, err error) {
	in.cfg.Logger.Warn("Webhook rejected",
		zap.String("outcome", string(outcome)),
		zap.String("webhook_id", id),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Error(err))
	in.observe(r, id, outcome)
	util.WriteError(w, err)
}

func (in *Intake) observe(r *http.Request, id string, outcome Outcome) {
	if in.cfg.Observer != nil {
		in.cfg.Observer(r, id, outcome)
	}
}
