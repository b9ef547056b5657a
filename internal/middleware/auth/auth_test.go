package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/spire/internal/config"
	gwmw "github.com/wudi/spire/internal/middleware"
)

func TestBasicAuthAcceptsValidCredentials(t *testing.T) {
	m := New(config.MiddlewareConfig{
		AuthKind:   config.AuthBasic,
		BasicUsers: map[string]string{"alice": "wonderland"},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "wonderland")
	res, err := m.Pre(gwmw.NewContext("r"), httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if res.Halt {
		t.Fatal("expected valid basic auth credentials to pass")
	}
}

func TestBasicAuthRejectsWrongPassword(t *testing.T) {
	m := New(config.MiddlewareConfig{
		AuthKind:   config.AuthBasic,
		BasicUsers: map[string]string{"alice": "wonderland"},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "wrong")
	rec := httptest.NewRecorder()
	res, err := m.Pre(gwmw.NewContext("r"), rec, req)
	if err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if !res.Halt {
		t.Fatal("expected a wrong password to be rejected")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAPIKeyAuthAcceptsHeaderKey(t *testing.T) {
	m := New(config.MiddlewareConfig{
		AuthKind: config.AuthAPIKey,
		APIKeys:  []string{"secret-key"},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret-key")
	res, err := m.Pre(gwmw.NewContext("r"), httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if res.Halt {
		t.Fatal("expected a valid API key to pass")
	}
}

func TestAPIKeyAuthAcceptsBearerFallback(t *testing.T) {
	m := New(config.MiddlewareConfig{
		AuthKind: config.AuthAPIKey,
		APIKeys:  []string{"secret-key"},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	res, err := m.Pre(gwmw.NewContext("r"), httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if res.Halt {
		t.Fatal("expected the Bearer-prefixed API key to be accepted as a fallback")
	}
}

func TestAPIKeyAuthRejectsUnknownKey(t *testing.T) {
	m := New(config.MiddlewareConfig{
		AuthKind: config.AuthAPIKey,
		APIKeys:  []string{"secret-key"},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	res, err := m.Pre(gwmw.NewContext("r"), httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if !res.Halt {
		t.Fatal("expected an unknown API key to be rejected")
	}
}

func TestJWTAuthAcceptsValidHS256Token(t *testing.T) {
	secret := "jwt-test-secret"
	m := New(config.MiddlewareConfig{
		AuthKind:  config.AuthJWT,
		JWTSecret: secret,
	})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	res, err := m.Pre(gwmw.NewContext("r"), httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if res.Halt {
		t.Fatal("expected a validly signed JWT to pass")
	}
}

func TestJWTAuthRejectsBadSignature(t *testing.T) {
	m := New(config.MiddlewareConfig{
		AuthKind:  config.AuthJWT,
		JWTSecret: "correct-secret",
	})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	res, err := m.Pre(gwmw.NewContext("r"), httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if !res.Halt {
		t.Fatal("expected a token signed with the wrong secret to be rejected")
	}
}

func TestJWTAuthRejectsMissingBearerPrefix(t *testing.T) {
	m := New(config.MiddlewareConfig{AuthKind: config.AuthJWT, JWTSecret: "s"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	res, err := m.Pre(gwmw.NewContext("r"), httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if !res.Halt {
		t.Fatal("expected a non-Bearer Authorization header to be rejected")
	}
}
