// Package auth implements the Basic, ApiKey, and Jwt Authentication
// middleware variants of spec.md §3/§4.3.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/wudi/spire/internal/config"
	gwerrors "github.com/wudi/spire/internal/errors"
	gwmw "github.com/wudi/spire/internal/middleware"
)

// Middleware authenticates a request per its configured AuthKind; it
// never touches the response body on success, only on rejection.
type Middleware struct {
	gwmw.Base
	kind config.AuthKind

	basicUsers map[string]string
	apiKeys    map[string]bool

	jwtSecret []byte
	jwtAlgo   string
	jwksCache jwk.Set
	jwksURL   string
}

// New builds the auth middleware from a MiddlewareConfig of kind
// MWAuthentication.
func New(cfg config.MiddlewareConfig) *Middleware {
	m := &Middleware{kind: cfg.AuthKind, basicUsers: cfg.BasicUsers}
	if len(cfg.APIKeys) > 0 {
		m.apiKeys = make(map[string]bool, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			m.apiKeys[k] = true
		}
	}
	if cfg.JWTSecret != "" {
		m.jwtSecret = []byte(cfg.JWTSecret)
	}
	m.jwtAlgo = cfg.JWTAlgo
	m.jwksURL = cfg.JWKSURL
	return m
}

func (m *Middleware) Pre(_ *gwmw.Context, w http.ResponseWriter, r *http.Request) (gwmw.Result, error) {
	var ok bool
	switch m.kind {
	case config.AuthBasic:
		ok = m.checkBasic(r)
	case config.AuthAPIKey:
		ok = m.checkAPIKey(r)
	case config.AuthJWT:
		ok = m.checkJWT(r)
	}
	if !ok {
		gwerrors.ErrUnauthorized.WriteJSON(w)
		return gwmw.Result{Halt: true}, nil
	}
	return gwmw.Result{}, nil
}

func (m *Middleware) checkBasic(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	want, exists := m.basicUsers[user]
	if !exists {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}

func (m *Middleware) checkAPIKey(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if key == "" {
		return false
	}
	return m.apiKeys[key]
}

func (m *Middleware) checkJWT(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	tokenStr := strings.TrimPrefix(auth, "Bearer ")

	keyFunc := func(tok *jwt.Token) (interface{}, error) {
		if m.jwksURL != "" {
			return m.jwksKey(r.Context(), tok)
		}
		return m.jwtSecret, nil
	}

	token, err := jwt.Parse(tokenStr, keyFunc, jwt.WithValidMethods(allowedMethods(m.jwtAlgo)))
	return err == nil && token.Valid
}

func allowedMethods(algo string) []string {
	switch algo {
	case "RS256":
		return []string{"RS256"}
	case "":
		return []string{"HS256", "RS256"}
	default:
		return []string{algo}
	}
}

// jwksKey fetches the signing key set from jwksURL on first use, keeps it
// for the middleware's lifetime (it is never refreshed), and resolves the
// token's kid against it.
func (m *Middleware) jwksKey(ctx context.Context, tok *jwt.Token) (interface{}, error) {
	if m.jwksCache == nil {
		set, err := jwk.Fetch(ctx, m.jwksURL, jwk.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
		if err != nil {
			return nil, err
		}
		m.jwksCache = set
	}

	kid, ok := tok.Header["kid"].(string)
	if !ok {
		return nil, jwt.ErrTokenUnverifiable
	}
	key, ok := m.jwksCache.LookupKeyID(kid)
	if !ok {
		return nil, jwt.ErrTokenUnverifiable
	}

	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
