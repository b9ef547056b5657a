package headers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/spire/internal/config"
	gwmw "github.com/wudi/spire/internal/middleware"
)

func TestRequestMiddlewareAddsAndRemoves(t *testing.T) {
	m := NewRequest(config.MiddlewareConfig{
		HeaderAdd:    map[string]string{"X-Gateway": "spire"},
		HeaderRemove: []string{"X-Internal"},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Internal", "secret")

	if _, err := m.Pre(gwmw.NewContext("r"), httptest.NewRecorder(), req); err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if req.Header.Get("X-Internal") != "" {
		t.Fatal("expected X-Internal to be removed")
	}
	if req.Header.Get("X-Gateway") != "spire" {
		t.Fatal("expected X-Gateway to be added")
	}
}

func TestResponseMiddlewareAddsAndRemoves(t *testing.T) {
	m := NewResponse(config.MiddlewareConfig{
		HeaderAdd:    map[string]string{"X-Served-By": "spire"},
		HeaderRemove: []string{"X-Backend-Secret"},
	})

	resp := &http.Response{Header: http.Header{"X-Backend-Secret": []string{"shh"}}}
	if err := m.Post(gwmw.NewContext("r"), nil, httptest.NewRequest(http.MethodGet, "/", nil), resp); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Header.Get("X-Backend-Secret") != "" {
		t.Fatal("expected X-Backend-Secret to be removed")
	}
	if resp.Header.Get("X-Served-By") != "spire" {
		t.Fatal("expected X-Served-By to be added")
	}
}

func TestResponseMiddlewareNilResponseIsNoop(t *testing.T) {
	m := NewResponse(config.MiddlewareConfig{HeaderAdd: map[string]string{"X": "Y"}})
	if err := m.Post(gwmw.NewContext("r"), nil, httptest.NewRequest(http.MethodGet, "/", nil), nil); err != nil {
		t.Fatalf("expected a nil response to be a no-op, got %v", err)
	}
}
