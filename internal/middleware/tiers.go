package middleware

import (
	"errors"
	"net/http"
	"strings"

	"edge-guard/internal/ratelimit"
)

// Tier applies Options to requests matching Match. A nil Match matches
// everything.
type Tier struct {
	Match   func(*http.Request) bool
	Options Options
}

var ErrNoCatchAll = errors.New("middleware: last tier must be a catch-all")

// defaultTier is used when no tier matches.
var defaultTier = Options{Policy: ratelimit.PolicyAPI, Mode: ratelimit.ByAddress}

// ProtectWithTiers applies the first matching tier. The list must end with a
// catch-all tier.
func (p *Protector) ProtectWithTiers(tiers ...Tier) (func(http.Handler) http.Handler, error) {
	if len(tiers) == 0 || tiers[len(tiers)-1].Match != nil {
		return nil, ErrNoCatchAll
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.serve(w, r, next, selectTier(tiers, r))
		})
	}, nil
}

func selectTier(tiers []Tier, r *http.Request) Options {
	for _, t := range tiers {
		if t.Match == nil || t.Match(r) {
			return t.Options
		}
	}
	return defaultTier
}

// UserTiers is the standard tiering: admins get the admin preset, signed-in
// users get policy keyed by subject and everyone else gets policy keyed by
// address with anonymous merged on top.
func (p *Protector) UserTiers(policy string, anonymous ratelimit.Override) []Tier {
	return []Tier{
		{
			Match:   p.IsAdmin,
			Options: Options{Policy: ratelimit.PolicyAdmin, Mode: ratelimit.BySubject, ErrorMessage: "Admin rate limit exceeded."},
		},
		{
			Match:   p.IsAuthenticated,
			Options: Options{Policy: policy, Mode: ratelimit.BySubject, ErrorMessage: "User rate limit exceeded."},
		},
		{
			Options: Options{Policy: policy, Override: anonymous, Mode: ratelimit.ByAddress, ErrorMessage: "Anonymous user rate limit exceeded."},
		},
	}
}

// IsAuthenticated reports whether r carries a bearer token, and a valid one
// when the identifier generator verifies tokens.
func (p *Protector) IsAuthenticated(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !p.ids.Verifies() {
		return strings.HasPrefix(auth, "Bearer ")
	}
	_, ok := p.ids.Claims(auth)
	return ok
}

// IsAdmin reports whether the bearer token claims an admin role, either as
// "role" or "app_metadata.role". Unless tokens are verified this only
// selects a quota and must not guard anything.
func (p *Protector) IsAdmin(r *http.Request) bool {
	claims, ok := p.ids.Claims(r.Header.Get("Authorization"))
	if !ok {
		return false
	}
	if role, _ := claims["role"].(string); role == "admin" {
		return true
	}
	if meta, ok := claims["app_metadata"].(map[string]interface{}); ok {
		role, _ := meta["role"].(string)
		return role == "admin"
	}
	return false
}

// HasAPIKey reports whether r presents an API key header.
func HasAPIKey(r *http.Request) bool {
	return r.Header.Get(ratelimit.HeaderAPIKey) != ""
}
