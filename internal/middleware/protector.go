// Package middleware puts rate limit policies in front of HTTP handlers.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"edge-guard/internal/audit"
	"edge-guard/internal/ratelimit"
	"edge-guard/internal/util"
)

// AuditRecorder receives security events. *audit.Recorder satisfies it.
type AuditRecorder interface {
	Record(audit.Event)
}

// Options configure one protected route.
type Options struct {
	// Policy names a preset in the registry. Empty means the api preset.
	Policy string
	// Override is merged on top of the preset or Custom.
	Override ratelimit.Override
	// Custom replaces the registry lookup entirely.
	Custom *ratelimit.Policy

	// Mode picks the identifier. Empty means by address.
	Mode ratelimit.Mode
	// KeyFunc, when set, replaces the identifier generator.
	KeyFunc func(*http.Request) string

	// Skip bypasses rate limiting for matching requests.
	Skip func(*http.Request) bool
	// OnLimitReached is called for every denied request.
	OnLimitReached func(identifier string, r *http.Request)

	// ErrorMessage is the "error" field of the 429 body.
	ErrorMessage string
	// DisableHeaders suppresses the X-RateLimit-* headers.
	DisableHeaders bool
}

type Protector struct {
	limiter  *ratelimit.Limiter
	registry *ratelimit.Registry
	ids      ratelimit.IdentifierGenerator
	logger   *zap.Logger
	audit    AuditRecorder
	onFault  func(error)
}

type ProtectorOption func(*Protector)

func WithLogger(logger *zap.Logger) ProtectorOption {
	return func(p *Protector) {
		p.logger = logger
	}
}

func WithAuditRecorder(r AuditRecorder) ProtectorOption {
	return func(p *Protector) {
		p.audit = r
	}
}

// WithFaultHook is called whenever a check fails and the request is let
// through.
func WithFaultHook(fn func(error)) ProtectorOption {
	return func(p *Protector) {
		p.onFault = fn
	}
}

func NewProtector(limiter *ratelimit.Limiter, registry *ratelimit.Registry, ids ratelimit.IdentifierGenerator, opts ...ProtectorOption) *Protector {
	if registry == nil {
		registry = ratelimit.DefaultRegistry()
	}
	p := &Protector{
		limiter:  limiter,
		registry: registry,
		ids:      ids,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type decisionKey struct{}

// DecisionFromContext returns the decision that admitted the request, if the
// request went through a Protect middleware.
func DecisionFromContext(ctx context.Context) (ratelimit.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(ratelimit.Decision)
	return d, ok
}

// Protect returns middleware enforcing opts. Any failure while checking lets
// the request through.
func (p *Protector) Protect(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.serve(w, r, next, opts)
		})
	}
}

func (p *Protector) serve(w http.ResponseWriter, r *http.Request, next http.Handler, opts Options) {
	if opts.Skip != nil && opts.Skip(r) {
		next.ServeHTTP(w, r)
		return
	}

	identifier, policy, dec, err := p.check(r, opts)
	if err != nil {
		p.fault(r, err)
		next.ServeHTTP(w, r)
		return
	}

	if !opts.DisableHeaders {
		setRateLimitHeaders(w.Header(), dec)
	}

	if !dec.Allowed {
		p.deny(w, r, opts, identifier, policy, dec)
		return
	}

	next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, dec)))
}

func (p *Protector) check(r *http.Request, opts Options) (identifier string, policy ratelimit.Policy, dec ratelimit.Decision, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("rate limit check panicked: %v", v)
		}
	}()

	policy, err = p.resolve(opts)
	if err != nil {
		return "", policy, dec, err
	}
	identifier = p.identify(r, opts)
	dec, err = p.limiter.Check(r.Context(), identifier, policy)
	return identifier, policy, dec, err
}

func (p *Protector) resolve(opts Options) (ratelimit.Policy, error) {
	if opts.Custom != nil {
		policy := opts.Custom.Merge(opts.Override)
		if policy.Name == "" {
			policy.Name = ratelimit.PolicyCustom
		}
		return policy, policy.Validate()
	}
	name := opts.Policy
	if name == "" {
		name = ratelimit.PolicyAPI
	}
	return p.registry.Resolve(name, opts.Override)
}

func (p *Protector) identify(r *http.Request, opts Options) string {
	if opts.KeyFunc != nil {
		if id := opts.KeyFunc(r); id != "" {
			return id
		}
	}
	mode := opts.Mode
	if mode == "" {
		mode = ratelimit.ByAddress
	}
	return p.ids.Identify(r, mode)
}

func (p *Protector) deny(w http.ResponseWriter, r *http.Request, opts Options, identifier string, policy ratelimit.Policy, dec ratelimit.Decision) {
	if opts.OnLimitReached != nil {
		opts.OnLimitReached(identifier, r)
	}

	retryAfter := retryAfterSeconds(dec.RetryAfter)
	p.logger.Info("Request rate limited",
		zap.String("policy", policy.Name),
		zap.String("identifier", identifier),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("user_agent", r.UserAgent()),
		zap.Int64("limit", dec.Limit),
		zap.Int64("retry_after", retryAfter),
	)
	if p.audit != nil {
		p.audit.Record(audit.Event{
			Type:       audit.RateLimitExceeded,
			Source:     "middleware",
			Identifier: identifier,
			Policy:     policy.Name,
			Outcome:    "denied",
			RemoteAddr: p.ids.ClientAddress(r),
			Attributes: map[string]string{"method": r.Method, "path": r.URL.Path},
		})
	}

	msg := opts.ErrorMessage
	if msg == "" {
		msg = util.MsgRateLimited
	}
	w.Header().Set(HeaderRetryAfter, formatInt(retryAfter))
	util.WriteJSON(w, http.StatusTooManyRequests, RateLimitedResponse{Error: msg, RetryAfter: retryAfter})
}

func (p *Protector) fault(r *http.Request, err error) {
	p.logger.Error("Rate limit check failed, request let through",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Bool("invalid_policy", errors.Is(err, util.ErrInvalidPolicy)),
		zap.Error(err))
	if p.onFault != nil {
		p.onFault(err)
	}
}

// RateLimitedResponse is the 429 body.
type RateLimitedResponse struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// Status reports the decision opts would produce for r without consuming.
func (p *Protector) Status(r *http.Request, opts Options) (ratelimit.Decision, error) {
	policy, err := p.resolve(opts)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	return p.limiter.Status(r.Context(), p.identify(r, opts), policy)
}

// ResetLimit clears all counters of identifier.
func (p *Protector) ResetLimit(ctx context.Context, identifier string) error {
	if err := p.limiter.Reset(ctx, identifier); err != nil {
		return err
	}
	if p.audit != nil {
		p.audit.Record(audit.Event{
			Type:       audit.RateLimitReset,
			Source:     "admin",
			Identifier: identifier,
		})
	}
	return nil
}
