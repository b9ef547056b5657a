package compression

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	gwmw "github.com/wudi/spire/internal/middleware"
)

func TestPostGzipsWhenClientAccepts(t *testing.T) {
	m := New(0, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	body := "hello, world! " + strings.Repeat("x", 100)
	resp := &http.Response{
		Header: http.Header{},
		Body:   io.NopCloser(strings.NewReader(body)),
	}

	if err := m.Post(gwmw.NewContext("r"), nil, req, resp); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatal("expected Content-Encoding: gzip to be set")
	}

	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != body {
		t.Fatalf("expected the decompressed body to round-trip, got %q", got)
	}
}

func TestPostSkipsWhenClientDoesNotAcceptGzip(t *testing.T) {
	m := New(0, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := &http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader("plain"))}

	if err := m.Post(gwmw.NewContext("r"), nil, req, resp); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Header.Get("Content-Encoding") == "gzip" {
		t.Fatal("expected no gzip encoding without an Accept-Encoding header")
	}
}

func TestPostSkipsWhenAlreadyEncoded(t *testing.T) {
	m := New(0, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"br"}},
		Body:   io.NopCloser(strings.NewReader("already encoded")),
	}

	if err := m.Post(gwmw.NewContext("r"), nil, req, resp); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "br" {
		t.Fatal("expected an already-encoded response to be left alone")
	}
}

func TestPostNilResponseIsNoop(t *testing.T) {
	m := New(0, nil)
	if err := m.Post(gwmw.NewContext("r"), nil, httptest.NewRequest(http.MethodGet, "/", nil), nil); err != nil {
		t.Fatalf("expected a nil response to be a no-op, got %v", err)
	}
}

func TestPostPrefersBrotliOverGzipByServerOrder(t *testing.T) {
	m := New(0, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip, br, zstd")

	body := "hello, world! " + strings.Repeat("x", 100)
	resp := &http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader(body))}

	if err := m.Post(gwmw.NewContext("r"), nil, req, resp); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "br" {
		t.Fatalf("expected br to win the default server preference order, got %q", resp.Header.Get("Content-Encoding"))
	}

	got, err := io.ReadAll(brotli.NewReader(resp.Body))
	if err != nil {
		t.Fatalf("brotli decode: %v", err)
	}
	if string(got) != body {
		t.Fatalf("expected the decompressed body to round-trip, got %q", got)
	}
}

func TestPostUsesZstdWhenBrotliNotAccepted(t *testing.T) {
	m := New(0, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	body := "hello, world! " + strings.Repeat("x", 100)
	resp := &http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader(body))}

	if err := m.Post(gwmw.NewContext("r"), nil, req, resp); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "zstd" {
		t.Fatalf("expected zstd to win when br is unavailable, got %q", resp.Header.Get("Content-Encoding"))
	}

	zr, err := zstd.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer zr.Close()
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != body {
		t.Fatalf("expected the decompressed body to round-trip, got %q", got)
	}
}

func TestPostHonorsConfiguredAlgorithmAllowlist(t *testing.T) {
	m := New(0, []string{"gzip"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "br, zstd, gzip")
	resp := &http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader("hello"))}

	if err := m.Post(gwmw.NewContext("r"), nil, req, resp); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected the route's algorithm allowlist to restrict selection to gzip, got %q", resp.Header.Get("Content-Encoding"))
	}
}

func TestPostHonorsQZeroRejection(t *testing.T) {
	m := New(0, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "br;q=0, zstd;q=0, gzip")
	resp := &http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader("hello"))}

	if err := m.Post(gwmw.NewContext("r"), nil, req, resp); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected br/zstd with q=0 to be rejected, falling back to gzip, got %q", resp.Header.Get("Content-Encoding"))
	}
}
