package ratelimit

import (
	"encoding/base64"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

// Mode selects how a request is turned into an identifier.
type Mode string

const (
	ByAddress     Mode = "ip"
	BySubject     Mode = "user"
	ByCredential  Mode = "api_key"
	ByFingerprint Mode = "combined"
)

const (
	HeaderAPIKey        = "X-API-Key"
	HeaderForwardedFor  = "X-Forwarded-For"
	HeaderRealIP        = "X-Real-IP"
	userAgentPrefixSize = 50
)

// IdentifierGenerator derives rate limit identifiers from requests. It never
// fails: anything it cannot use degrades to the address identifier.
type IdentifierGenerator struct {
	// TrustForwarded makes X-Forwarded-For and X-Real-IP authoritative. Only
	// enable it behind a proxy that sets them.
	TrustForwarded bool

	// Keyfunc, when set, verifies the signature and expiry of bearer tokens
	// before any claim is used. Without it claims are read unverified and a
	// client can choose its own subject or role.
	Keyfunc jwt.Keyfunc
	// ValidMethods limits the signing algorithms accepted by Keyfunc.
	ValidMethods []string
}

func (g IdentifierGenerator) Identify(r *http.Request, mode Mode) string {
	addr := g.ClientAddress(r)

	switch mode {
	case BySubject:
		if sub, ok := g.Subject(r.Header.Get("Authorization")); ok {
			return "user:" + sub
		}
	case ByCredential:
		if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
			sum := blake2b.Sum256([]byte(key))
			return "api:" + hex.EncodeToString(sum[:16])
		}
	case ByFingerprint:
		ua := r.UserAgent()
		if ua == "" {
			ua = "unknown"
		}
		if len(ua) > userAgentPrefixSize {
			ua = ua[:userAgentPrefixSize]
		}
		sum := blake2b.Sum256([]byte(addr + ":" + ua))
		return "combined:" + base64.RawURLEncoding.EncodeToString(sum[:])
	}

	return "ip:" + addr
}

// ClientAddress returns the network address of the caller.
func (g IdentifierGenerator) ClientAddress(r *http.Request) string {
	if g.TrustForwarded {
		if xff := r.Header.Get(HeaderForwardedFor); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get(HeaderRealIP)); ip != "" {
			return ip
		}
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	if remote != "" {
		return remote
	}
	return "unknown"
}

// Verifies reports whether bearer tokens are verified before use.
func (g IdentifierGenerator) Verifies() bool {
	return g.Keyfunc != nil
}

// Claims decodes the claims of a bearer token, verifying it when a Keyfunc
// is configured. Invalid, expired or unsigned tokens yield false.
func (g IdentifierGenerator) Claims(authorization string) (jwt.MapClaims, bool) {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, false
	}

	claims := jwt.MapClaims{}
	if g.Keyfunc == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, false
		}
		return claims, true
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if len(g.ValidMethods) > 0 {
		opts = append(opts, jwt.WithValidMethods(g.ValidMethods))
	}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, g.Keyfunc); err != nil {
		return nil, false
	}
	return claims, true
}

// Subject extracts the principal id from a bearer token, preferring "sub"
// over "user_id".
func (g IdentifierGenerator) Subject(authorization string) (string, bool) {
	claims, ok := g.Claims(authorization)
	if !ok {
		return "", false
	}
	for _, name := range []string{"sub", "user_id"} {
		if v, ok := claims[name].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// HMACKeyfunc verifies tokens signed with secret.
func HMACKeyfunc(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}
}
