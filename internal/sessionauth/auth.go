// Package sessionauth verifies bearer credentials for private tunnels and
// issues the signed session cookies the ingress proxy reads on every
// subsequent request.
package sessionauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/livecycle/tunnel-server/internal/domain"
)

// CookieName is the session cookie set after a successful bearer check.
const CookieName = "preevy-session"

// BasicAuthHintParam is the query parameter programmatic clients set to
// request a 401 + WWW-Authenticate challenge instead of a login redirect.
const BasicAuthHintParam = "_preevy_auth_hint"

// BasicAuthHintValue is the only recognized value of the hint parameter.
const BasicAuthHintValue = "basic"

const sessionTTL = 30 * 24 * time.Hour

// TunnelIssuer returns the JWT issuer expected from a tunnel owner's own
// credentials.
func TunnelIssuer(thumbprint string) string {
	return "preevy://" + thumbprint
}

// Claims are the JWT claims used both for bearer credentials and for
// session cookies.
type Claims struct {
	Role       string `json:"role,omitempty"`
	Thumbprint string `json:"pkThumbprint,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates credentials against a tunnel's registered public
// key or the delegated SaaS issuer key, and signs session cookies with the
// broker's own secret.
type Authenticator struct {
	cookieSecret  []byte
	saasPublicKey crypto.PublicKey
	saasIssuer    string
	log           *slog.Logger
}

// New creates an Authenticator. saasPublicKey may be nil, in which case
// only tunnel-key credentials are accepted.
func New(cookieSecret []byte, saasPublicKey crypto.PublicKey, saasIssuer string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		cookieSecret:  cookieSecret,
		saasPublicKey: saasPublicKey,
		saasIssuer:    saasIssuer,
		log:           logger,
	}
}

// Result reports how a request was authenticated.
type Result struct {
	Role string
	// ViaCookie is set when an existing session cookie authenticated the
	// request; no new cookie needs to be issued.
	ViaCookie bool
}

// Authenticate checks the request's session cookie, then its bearer
// credential, against tun. It returns [domain.ErrUnauthorized] (wrapped)
// when neither is acceptable.
func (a *Authenticator) Authenticate(r *http.Request, tun *domain.ActiveTunnel) (Result, error) {
	if cookie, err := r.Cookie(CookieName); err == nil {
		claims, err := a.verifySession(cookie.Value, tun.PublicKeyThumbprint)
		if err == nil {
			return Result{Role: claims.Role, ViaCookie: true}, nil
		}
		a.log.Debug("stale session cookie", "key", tun.Key, "err", err)
	}

	token := bearerCredential(r)
	if token == "" {
		return Result{}, fmt.Errorf("no credentials: %w", domain.ErrUnauthorized)
	}
	claims, err := a.verifyBearer(token, tun)
	if err != nil {
		return Result{}, err
	}
	return Result{Role: claims.Role}, nil
}

// IssueSessionCookie signs a session bound to the tunnel's thumbprint. The
// cookie replaces any previous session; sessions are never mutated in place.
func (a *Authenticator) IssueSessionCookie(thumbprint, role string) (*http.Cookie, error) {
	now := time.Now()
	claims := &Claims{
		Role:       role,
		Thumbprint: thumbprint,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cookieSecret)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}
	return &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL / time.Second),
	}, nil
}

func (a *Authenticator) verifySession(value, thumbprint string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(value, claims,
		func(*jwt.Token) (any, error) { return a.cookieSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("session: %w: %w", domain.ErrUnauthorized, err)
	}
	if claims.Thumbprint != thumbprint {
		return nil, fmt.Errorf("session bound to another tunnel owner: %w", domain.ErrUnauthorized)
	}
	return claims, nil
}

// verifyBearer validates a JWT against the tunnel's own public key
// (issuer preevy://{thumbprint}) or the delegated SaaS issuer. SaaS tokens
// must carry role=admin for private-tunnel access.
func (a *Authenticator) verifyBearer(token string, tun *domain.ActiveTunnel) (*Claims, error) {
	unverified := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, unverified); err != nil {
		return nil, fmt.Errorf("malformed token: %w", domain.ErrUnauthorized)
	}

	switch unverified.Issuer {
	case TunnelIssuer(tun.PublicKeyThumbprint):
		claims, err := verifyWithKey(token, tun.PublicKey, unverified.Issuer)
		if err != nil {
			return nil, err
		}
		if claims.Role == "" {
			claims.Role = "admin"
		}
		return claims, nil
	case a.saasIssuer:
		if a.saasPublicKey == nil {
			return nil, fmt.Errorf("saas issuer not configured: %w", domain.ErrUnauthorized)
		}
		claims, err := verifyWithKey(token, a.saasPublicKey, a.saasIssuer)
		if err != nil {
			return nil, err
		}
		if claims.Role != "admin" {
			return nil, fmt.Errorf("role %q is not allowed: %w", claims.Role, domain.ErrUnauthorized)
		}
		return claims, nil
	default:
		return nil, fmt.Errorf("unknown issuer %q: %w", unverified.Issuer, domain.ErrUnauthorized)
	}
}

func verifyWithKey(token string, key crypto.PublicKey, issuer string) (*Claims, error) {
	methods := validMethodsFor(key)
	if methods == nil {
		return nil, fmt.Errorf("unsupported key type %T: %w", key, domain.ErrUnauthorized)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods(methods),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("token verification: %w: %w", domain.ErrUnauthorized, err)
	}
	return claims, nil
}

func validMethodsFor(key crypto.PublicKey) []string {
	switch key.(type) {
	case ed25519.PublicKey:
		return []string{"EdDSA"}
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512"}
	case *ecdsa.PublicKey:
		return []string{"ES256", "ES384", "ES512"}
	}
	return nil
}

// bearerCredential extracts a JWT from the Authorization header: either a
// Bearer token or the password half of Basic credentials (any username).
// Headerless clients (EventSource, embedded resources) may pass the token
// as an `authorization` query parameter instead.
func bearerCredential(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		q := strings.TrimSpace(r.URL.Query().Get("authorization"))
		return strings.TrimPrefix(q, "Bearer ")
	}
	if scheme, rest, ok := strings.Cut(h, " "); ok {
		rest = strings.TrimSpace(rest)
		switch {
		case strings.EqualFold(scheme, "Bearer"):
			return rest
		case strings.EqualFold(scheme, "Basic"):
			decoded, err := base64.StdEncoding.DecodeString(rest)
			if err != nil {
				return ""
			}
			if _, password, ok := strings.Cut(string(decoded), ":"); ok {
				return password
			}
		}
	}
	return ""
}

// WantsBasicChallenge reports whether the request asked for a basic-auth
// challenge on failure instead of a login redirect.
func WantsBasicChallenge(r *http.Request) bool {
	return r.URL.Query().Get(BasicAuthHintParam) == BasicAuthHintValue
}
