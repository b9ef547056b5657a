package listener

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/wudi/spire/internal/config"
)

func TestNewHTTPListenerRequiresCertsForTLS(t *testing.T) {
	_, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "443",
		Address: "127.0.0.1:0",
		Type:    config.ServerHTTPS,
		Handler: http.NotFoundHandler(),
	})
	if err == nil {
		t.Fatal("expected an https listener without a certificate manager to be rejected")
	}
}

func TestHTTPListenerServesPlainHTTP(t *testing.T) {
	h, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "8080",
		Address: "127.0.0.1:0",
		Type:    config.ServerHTTP,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("pong"))
		}),
	})
	if err != nil {
		t.Fatalf("NewHTTPListener: %v", err)
	}

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	}()

	addr := h.listener.Addr().String()
	resp, err := http.Get("http://" + addr + "/ping")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "pong" {
		t.Fatalf("unexpected body: %q", body)
	}

	if h.ID() != "8080" {
		t.Fatalf("unexpected ID: %q", h.ID())
	}
	if h.Protocol() != "http" {
		t.Fatalf("unexpected protocol: %q", h.Protocol())
	}
}

func TestHTTPListenerWrapsH2CForCleartextHTTP2(t *testing.T) {
	h, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "8081",
		Address: "127.0.0.1:0",
		Type:    config.ServerHTTP2,
		Handler: http.NotFoundHandler(),
	})
	if err != nil {
		t.Fatalf("NewHTTPListener: %v", err)
	}
	if h.Server().Handler == nil {
		t.Fatal("expected the h2c-wrapped handler to be set")
	}
}

func TestHTTPListenerStopShutsDownServer(t *testing.T) {
	h, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "8082",
		Address: "127.0.0.1:0",
		Type:    config.ServerHTTP,
		Handler: http.NotFoundHandler(),
	})
	if err != nil {
		t.Fatalf("NewHTTPListener: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := http.Get("http://" + h.listener.Addr().String() + "/"); err == nil {
		t.Fatal("expected the listener to refuse connections after Stop")
	}
}
