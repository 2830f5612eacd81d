package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"edge-guard/internal/util"
)

type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
)

func (a Algorithm) Valid() bool {
	switch a {
	case TokenBucket, SlidingWindow, FixedWindow:
		return true
	}
	return false
}

// Preset names for the endpoint classes.
const (
	PolicyAuth          = "auth"
	PolicyPasswordReset = "password_reset"
	PolicyEmail         = "email"
	PolicyAPI           = "api"
	PolicyCheckout      = "checkout"
	PolicySearch        = "search"
	PolicyWebhook       = "webhook"
	PolicyAdmin         = "admin"

	// PolicyCustom names ad-hoc policies that were not given a name.
	PolicyCustom = "custom"
)

// Policy is an immutable rate limit configuration. Name is part of the
// storage key.
type Policy struct {
	Name        string        `json:"name"`
	Algorithm   Algorithm     `json:"algorithm"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	// BurstLimit is the token bucket capacity; 0 means MaxRequests. Ignored by
	// the window algorithms.
	BurstLimit int `json:"burst_limit,omitempty"`
}

// Capacity returns the token bucket capacity.
func (p Policy) Capacity() int {
	if p.BurstLimit > 0 {
		return p.BurstLimit
	}
	return p.MaxRequests
}

func (p Policy) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name is required", util.ErrInvalidPolicy)
	case strings.Contains(p.Name, ":"):
		return fmt.Errorf("%w: name %q must not contain ':'", util.ErrInvalidPolicy, p.Name)
	case !p.Algorithm.Valid():
		return fmt.Errorf("%w: unsupported algorithm %q", util.ErrInvalidPolicy, p.Algorithm)
	case p.MaxRequests <= 0:
		return fmt.Errorf("%w: max requests must be positive, got %d", util.ErrInvalidPolicy, p.MaxRequests)
	case p.Window <= 0:
		return fmt.Errorf("%w: window must be positive, got %s", util.ErrInvalidPolicy, p.Window)
	case p.BurstLimit < 0:
		return fmt.Errorf("%w: burst limit must not be negative, got %d", util.ErrInvalidPolicy, p.BurstLimit)
	}
	return nil
}

// Override is a partial policy. Set fields replace the corresponding fields
// of the policy it is merged onto; nil fields keep the base value.
type Override struct {
	Name        *string
	Algorithm   *Algorithm
	MaxRequests *int
	Window      *time.Duration
	BurstLimit  *int
}

func (o Override) IsZero() bool {
	return o.Name == nil && o.Algorithm == nil && o.MaxRequests == nil && o.Window == nil && o.BurstLimit == nil
}

// Merge applies o on top of p. Explicit fields in o always win.
func (p Policy) Merge(o Override) Policy {
	out := p
	if o.Name != nil {
		out.Name = *o.Name
	}
	if o.Algorithm != nil {
		out.Algorithm = *o.Algorithm
	}
	if o.MaxRequests != nil {
		out.MaxRequests = *o.MaxRequests
	}
	if o.Window != nil {
		out.Window = *o.Window
	}
	if o.BurstLimit != nil {
		out.BurstLimit = *o.BurstLimit
	}
	return out
}

// Registry maps endpoint class names to policies.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// DefaultPolicies returns the reference presets.
func DefaultPolicies() []Policy {
	return []Policy{
		{Name: PolicyAuth, Algorithm: SlidingWindow, MaxRequests: 5, Window: 15 * time.Minute},
		{Name: PolicyPasswordReset, Algorithm: FixedWindow, MaxRequests: 3, Window: time.Hour},
		{Name: PolicyEmail, Algorithm: TokenBucket, MaxRequests: 10, Window: time.Minute, BurstLimit: 5},
		{Name: PolicyAPI, Algorithm: SlidingWindow, MaxRequests: 100, Window: time.Minute},
		{Name: PolicyCheckout, Algorithm: TokenBucket, MaxRequests: 10, Window: time.Minute, BurstLimit: 3},
		{Name: PolicySearch, Algorithm: SlidingWindow, MaxRequests: 200, Window: time.Minute},
		{Name: PolicyWebhook, Algorithm: FixedWindow, MaxRequests: 1000, Window: time.Minute},
		{Name: PolicyAdmin, Algorithm: SlidingWindow, MaxRequests: 500, Window: time.Minute},
	}
}

// DefaultRegistry returns a registry holding the reference presets.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultPolicies()...)
	if err != nil {
		panic("ratelimit: invalid default policies: " + err.Error())
	}
	return r
}

func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a named policy.
func (r *Registry) Register(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.policies[p.Name] = p
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(name string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

// Resolve returns the named preset with o merged on top.
func (r *Registry) Resolve(name string, o Override) (Policy, error) {
	base, ok := r.Get(name)
	if !ok {
		return Policy{}, fmt.Errorf("%w: unknown policy %q", util.ErrInvalidPolicy, name)
	}
	p := base.Merge(o)
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Ptr is a helper for building overrides.
func Ptr[T any](v T) *T {
	return &v
}
