package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGatewayErrorWriteJSONSetsStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrNoMatch.WriteJSON(rec)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["message"] != "no matching route" {
		t.Fatalf("unexpected message field: %v", body["message"])
	}
}

func TestGatewayErrorWithDetailsDoesNotMutateTemplate(t *testing.T) {
	withDetails := ErrDenied.WithDetails("blocked by CIDR 10.0.0.0/8")

	if ErrDenied.Details != "" {
		t.Fatal("expected WithDetails to leave the shared template untouched")
	}
	if withDetails.Details != "blocked by CIDR 10.0.0.0/8" {
		t.Fatalf("unexpected details: %q", withDetails.Details)
	}
	if withDetails.Code != ErrDenied.Code {
		t.Fatal("expected the copy to retain the original code")
	}
}

func TestGatewayErrorWithRequestIDDoesNotMutateTemplate(t *testing.T) {
	withID := ErrUnauthorized.WithRequestID("req-123")

	if ErrUnauthorized.RequestID != "" {
		t.Fatal("expected WithRequestID to leave the shared template untouched")
	}
	if withID.RequestID != "req-123" {
		t.Fatalf("unexpected request id: %q", withID.RequestID)
	}
}

func TestGatewayErrorUnwrapReturnsUnderlying(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(cause, http.StatusBadGateway, "transcode error")

	if !errors.Is(wrapped, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if wrapped.Error() != "transcode error: dial tcp: connection refused" {
		t.Fatalf("unexpected error string: %q", wrapped.Error())
	}
}

func TestGatewayErrorWithoutUnderlyingUsesMessageOnly(t *testing.T) {
	e := New(http.StatusTeapot, "just a message")
	if e.Error() != "just a message" {
		t.Fatalf("unexpected error string: %q", e.Error())
	}
	if e.Unwrap() != nil {
		t.Fatal("expected Unwrap to return nil without a wrapped cause")
	}
}

func TestIsGatewayErrorDistinguishesPlainErrors(t *testing.T) {
	if ge, ok := IsGatewayError(ErrTimeout); !ok || ge != ErrTimeout {
		t.Fatal("expected a *GatewayError to be recognized")
	}
	if _, ok := IsGatewayError(errors.New("plain")); ok {
		t.Fatal("expected a plain error not to be recognized as a GatewayError")
	}
}

func TestBindErrorFormatsPortAndUnwraps(t *testing.T) {
	cause := errors.New("address already in use")
	err := &BindError{Port: 8080, Err: cause}

	if err.Error() != "bind port 8080: address already in use" {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestTlsConfigErrorFormatsDomainAndUnwraps(t *testing.T) {
	cause := errors.New("certificate expired")
	err := &TlsConfigError{Domain: "example.com", Err: cause}

	if err.Error() != `tls config for "example.com": certificate expired` {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestNewUpstreamErrorFixedShape(t *testing.T) {
	e := NewUpstreamError("backend reset the connection")
	if e.ResponseCode != -1 {
		t.Fatalf("expected response_code -1, got %d", e.ResponseCode)
	}
	if e.Error() != "backend reset the connection" {
		t.Fatalf("unexpected error string: %q", e.Error())
	}
}

func TestUpstreamErrorWriteJSONUsesGivenStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	NewUpstreamError("boom").WriteJSON(rec, http.StatusGatewayTimeout)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["response_code"].(float64) != -1 {
		t.Fatalf("expected response_code -1, got %v", body["response_code"])
	}
	if body["response_object"] != "boom" {
		t.Fatalf("unexpected response_object: %v", body["response_object"])
	}
}

func TestWriteUpstreamErrorWraps502(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUpstreamError(rec, errors.New("dial failed"))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["response_object"] != "dial failed" {
		t.Fatalf("unexpected response_object: %v", body["response_object"])
	}
}
