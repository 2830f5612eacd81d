package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-guard/internal/ratelimit"
)

func TestProtectWithTiersRequiresCatchAll(t *testing.T) {
	p := newProtector(t, nil)

	_, err := p.ProtectWithTiers()
	assert.ErrorIs(t, err, ErrNoCatchAll)

	_, err = p.ProtectWithTiers(Tier{Match: p.IsAdmin, Options: Options{Policy: ratelimit.PolicyAdmin}})
	assert.ErrorIs(t, err, ErrNoCatchAll)

	_, err = p.ProtectWithTiers(p.UserTiers(ratelimit.PolicyAPI, ratelimit.Override{})...)
	assert.NoError(t, err)
}

func TestUserTiersSelectPolicy(t *testing.T) {
	p := newProtector(t, nil)
	mw, err := p.ProtectWithTiers(p.UserTiers(ratelimit.PolicySearch, ratelimit.Override{MaxRequests: ratelimit.Ptr(20)})...)
	require.NoError(t, err)
	var calls int
	h := mw(okHandler(&calls))

	cases := []struct {
		name  string
		auth  string
		limit string
	}{
		{"admin role claim", bearer(t, jwt.MapClaims{"sub": "a1", "role": "admin"}), "500"},
		{"admin app metadata", bearer(t, jwt.MapClaims{"sub": "a2", "app_metadata": map[string]interface{}{"role": "admin"}}), "500"},
		{"signed in", bearer(t, jwt.MapClaims{"sub": "u1"}), "200"},
		{"anonymous", "", "20"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := request("198.51.100.1:9")
			if tc.auth != "" {
				r.Header.Set("Authorization", tc.auth)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.limit, w.Header().Get(HeaderLimit))
		})
	}
}

func TestSelectTierFallsBackToDefault(t *testing.T) {
	never := func(*http.Request) bool { return false }
	opts := selectTier([]Tier{{Match: never, Options: Options{Policy: ratelimit.PolicyAdmin}}}, request("1.1.1.1:1"))
	assert.Equal(t, ratelimit.PolicyAPI, opts.Policy)
	assert.Equal(t, ratelimit.ByAddress, opts.Mode)
}

func TestPredicates(t *testing.T) {
	p := newProtector(t, nil)
	r := request("1.1.1.1:1")
	assert.False(t, p.IsAuthenticated(r))
	assert.False(t, p.IsAdmin(r))
	assert.False(t, HasAPIKey(r))

	r.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.True(t, p.IsAuthenticated(r))
	assert.False(t, p.IsAdmin(r))

	r.Header.Set("Authorization", bearer(t, jwt.MapClaims{"role": "editor"}))
	assert.False(t, p.IsAdmin(r))

	r.Header.Set(ratelimit.HeaderAPIKey, "k-123")
	assert.True(t, HasAPIKey(r))
}

func TestUserTiersWithVerifiedTokens(t *testing.T) {
	secret := []byte("edge-signing-key")
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore())
	p := NewProtector(limiter, ratelimit.DefaultRegistry(), ratelimit.IdentifierGenerator{
		Keyfunc:      ratelimit.HMACKeyfunc(secret),
		ValidMethods: []string{"HS256"},
	})
	mw, err := p.ProtectWithTiers(p.UserTiers(ratelimit.PolicySearch, ratelimit.Override{MaxRequests: ratelimit.Ptr(20)})...)
	require.NoError(t, err)
	var calls int
	h := mw(okHandler(&calls))

	sign := func(key []byte, claims jwt.MapClaims) string {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return "Bearer " + signed
	}

	cases := []struct {
		name  string
		auth  string
		limit string
	}{
		{"signed admin", sign(secret, jwt.MapClaims{"sub": "a1", "role": "admin"}), "500"},
		{"forged admin", sign([]byte("forged"), jwt.MapClaims{"sub": "a2", "role": "admin"}), "20"},
		{"signed user", sign(secret, jwt.MapClaims{"sub": "u1"}), "200"},
		{"opaque bearer", "Bearer not-a-jwt", "20"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := request("198.51.100.2:9")
			r.Header.Set("Authorization", tc.auth)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.limit, w.Header().Get(HeaderLimit))
		})
	}
}

func TestEndpointsUseClassMessages(t *testing.T) {
	p := newProtector(t, nil)
	var calls int
	h := p.Endpoints().PasswordReset()(okHandler(&calls))

	var w *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		w = httptest.NewRecorder()
		h.ServeHTTP(w, request("192.0.2.10:1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Too many password reset requests")
	assert.Equal(t, 3, calls)

	webhook := p.Endpoints().Webhook()(okHandler(&calls))
	w = httptest.NewRecorder()
	webhook.ServeHTTP(w, request("192.0.2.10:1"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(HeaderLimit))
}
