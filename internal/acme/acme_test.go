package acme

import (
	"errors"
	"io"
	"net/http"
	"testing"
)

func TestNewClientDefaultsHTTPAddr(t *testing.T) {
	c, err := NewClient("", "ops@example.com", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.httpAddr != ":80" {
		t.Fatalf("expected the default challenge address :80, got %q", c.httpAddr)
	}
	if c.email != "ops@example.com" {
		t.Fatalf("expected the email to be stored, got %q", c.email)
	}
}

func TestNewClientKeepsExplicitHTTPAddr(t *testing.T) {
	c, err := NewClient("https://acme-staging.example.com/directory", "", ":18080")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.httpAddr != ":18080" {
		t.Fatalf("expected the explicit challenge address to be kept, got %q", c.httpAddr)
	}
}

func TestIssuanceErrorFormatsStageAndUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := &IssuanceError{Domain: "example.com", Stage: "create_order", Err: cause}

	want := `acme: issuance for example.com failed at create_order: connection reset`
	if err.Error() != want {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestChallengeResponderServesRegisteredTokenAnd404sUnknown(t *testing.T) {
	responder := newChallengeResponder()
	responder.register("tok-123", "tok-123.key-authorization")

	srv, err := responder.start("127.0.0.1:18177")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer responder.stop(srv)

	resp, err := http.Get("http://127.0.0.1:18177/.well-known/acme-challenge/tok-123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for a registered token, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "tok-123.key-authorization" {
		t.Fatalf("unexpected body: %q", body)
	}

	resp2, err := http.Get("http://127.0.0.1:18177/.well-known/acme-challenge/unknown-token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered token, got %d", resp2.StatusCode)
	}
}
