package middleware

import (
	"net/http"

	"edge-guard/internal/ratelimit"
)

// Endpoints holds ready-made middleware for the preset endpoint classes.
type Endpoints struct {
	p *Protector
}

func (p *Protector) Endpoints() Endpoints {
	return Endpoints{p: p}
}

func (e Endpoints) Auth() func(http.Handler) http.Handler {
	return e.p.Protect(Options{
		Policy:       ratelimit.PolicyAuth,
		Mode:         ratelimit.ByAddress,
		ErrorMessage: "Too many authentication attempts. Please try again later.",
	})
}

func (e Endpoints) PasswordReset() func(http.Handler) http.Handler {
	return e.p.Protect(Options{
		Policy:       ratelimit.PolicyPasswordReset,
		Mode:         ratelimit.ByAddress,
		ErrorMessage: "Too many password reset requests. Please try again later.",
	})
}

func (e Endpoints) Email() func(http.Handler) http.Handler {
	return e.p.Protect(Options{
		Policy:       ratelimit.PolicyEmail,
		Mode:         ratelimit.BySubject,
		ErrorMessage: "Too many emails sent. Please wait before sending more.",
	})
}

func (e Endpoints) API() func(http.Handler) http.Handler {
	return e.p.Protect(Options{
		Policy:       ratelimit.PolicyAPI,
		Mode:         ratelimit.ByFingerprint,
		ErrorMessage: "API rate limit exceeded. Please slow down your requests.",
	})
}

func (e Endpoints) Checkout() func(http.Handler) http.Handler {
	return e.p.Protect(Options{
		Policy:       ratelimit.PolicyCheckout,
		Mode:         ratelimit.BySubject,
		ErrorMessage: "Too many checkout attempts. Please wait before trying again.",
	})
}

func (e Endpoints) Search() func(http.Handler) http.Handler {
	return e.p.Protect(Options{
		Policy:       ratelimit.PolicySearch,
		Mode:         ratelimit.ByFingerprint,
		ErrorMessage: "Search rate limit exceeded. Please slow down your requests.",
	})
}

// Webhook omits the rate limit headers; senders do not read them.
func (e Endpoints) Webhook() func(http.Handler) http.Handler {
	return e.p.Protect(Options{
		Policy:         ratelimit.PolicyWebhook,
		Mode:           ratelimit.ByAddress,
		ErrorMessage:   "Webhook rate limit exceeded.",
		DisableHeaders: true,
	})
}

func (e Endpoints) Admin() func(http.Handler) http.Handler {
	return e.p.Protect(Options{
		Policy:       ratelimit.PolicyAdmin,
		Mode:         ratelimit.BySubject,
		ErrorMessage: "Admin API rate limit exceeded.",
	})
}

// Tiered applies UserTiers for policy with no stricter anonymous quota.
func (e Endpoints) Tiered(policy string) func(http.Handler) http.Handler {
	mw, err := e.p.ProtectWithTiers(e.p.UserTiers(policy, ratelimit.Override{})...)
	if err != nil {
		panic(err)
	}
	return mw
}
