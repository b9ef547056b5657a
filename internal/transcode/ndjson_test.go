package transcode

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// noFlushWriter satisfies http.ResponseWriter but deliberately not
// http.Flusher, so newNDJSONWriter's type assertion fails as intended.
type noFlushWriter struct {
	bytes.Buffer
	header http.Header
}

func (w *noFlushWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}
func (w *noFlushWriter) WriteHeader(int) {}

func TestNewNDJSONWriterRequiresFlusher(t *testing.T) {
	if _, err := newNDJSONWriter(&noFlushWriter{}); err == nil {
		t.Fatal("expected a ResponseWriter without Flush to be rejected")
	}
}

func TestNDJSONWriterWriteMessageFlushesEachLine(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := newNDJSONWriter(rec)
	if err != nil {
		t.Fatalf("newNDJSONWriter: %v", err)
	}

	if err := w.WriteMessage(wrapperspb.String("hello")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := w.WriteMessage(wrapperspb.String("world")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 ndjson lines, got %d: %q", len(lines), rec.Body.String())
	}
	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if first["value"] != "hello" {
		t.Fatalf("unexpected first line: %v", first)
	}
}

func TestNDJSONWriterWriteErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := newNDJSONWriter(rec)
	if err != nil {
		t.Fatalf("newNDJSONWriter: %v", err)
	}
	if err := w.WriteError(codes.NotFound, "missing widget"); err != nil {
		t.Fatalf("WriteError: %v", err)
	}

	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body.Error.Code != int(codes.NotFound) {
		t.Fatalf("unexpected code: %d", body.Error.Code)
	}
	if body.Error.Message != "missing widget" {
		t.Fatalf("unexpected message: %q", body.Error.Message)
	}
}

func TestNDJSONReaderReadsMessagesSkippingBlankLines(t *testing.T) {
	input := "{\"value\":\"one\"}\n\n{\"value\":\"two\"}\n"
	r := newNDJSONReader(strings.NewReader(input))

	var first wrapperspb.StringValue
	if err := r.ReadMessage(&first); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if first.Value != "one" {
		t.Fatalf("unexpected first value: %q", first.Value)
	}

	var second wrapperspb.StringValue
	if err := r.ReadMessage(&second); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if second.Value != "two" {
		t.Fatalf("unexpected second value: %q", second.Value)
	}

	var third wrapperspb.StringValue
	if err := r.ReadMessage(&third); err != io.EOF {
		t.Fatalf("expected io.EOF at the end of input, got %v", err)
	}
}

func TestNDJSONReaderRejectsMalformedJSON(t *testing.T) {
	r := newNDJSONReader(strings.NewReader("not json at all\n"))
	var msg wrapperspb.StringValue
	if err := r.ReadMessage(&msg); err == nil {
		t.Fatal("expected malformed JSON to error")
	}
}

func TestGrpcStatusToHTTPMapsKnownCodes(t *testing.T) {
	cases := []struct {
		code codes.Code
		want int
	}{
		{codes.OK, 200},
		{codes.InvalidArgument, 400},
		{codes.Unauthenticated, 401},
		{codes.PermissionDenied, 403},
		{codes.NotFound, 404},
		{codes.AlreadyExists, 409},
		{codes.ResourceExhausted, 429},
		{codes.DeadlineExceeded, 504},
		{codes.Unimplemented, 501},
		{codes.Unavailable, 503},
		{codes.Internal, 500},
		{codes.Canceled, 499},
	}
	for _, c := range cases {
		if got := grpcStatusToHTTP(c.code); got != c.want {
			t.Errorf("grpcStatusToHTTP(%v) = %d, want %d", c.code, got, c.want)
		}
	}
}
