// Package compression encodes upstream response bodies for clients that
// advertise support for it, grounded on the teacher's
// internal/middleware/compression/compression.go: the same br/zstd/gzip
// algorithm set, negotiated the same way over Accept-Encoding, adapted
// from the teacher's streaming CompressingResponseWriter onto this
// gateway's buffered Post-hook (Forward already returns a complete
// *http.Response before any middleware runs).
package compression

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	gwmw "github.com/wudi/spire/internal/middleware"
)

// defaultAlgoOrder is the server-preferred algorithm order, same
// preference the teacher's Compressor.algoOrder defaults to.
var defaultAlgoOrder = []string{"br", "zstd", "gzip"}

// Middleware encodes the response body in place with the best algorithm
// both the client and this route's config agree on.
type Middleware struct {
	gwmw.Base
	level     int
	algoOrder []string
}

// New builds the compression middleware at the configured level (<=0
// uses gzip.DefaultCompression) restricted to algorithms, in server
// preference order. An empty algorithms list enables all three, the
// same "else all three" default the teacher's New applies.
func New(level int, algorithms []string) *Middleware {
	if level <= 0 {
		level = gzip.DefaultCompression
	}
	allowed := make(map[string]bool, len(algorithms))
	for _, a := range algorithms {
		allowed[a] = true
	}
	if len(allowed) == 0 {
		allowed = map[string]bool{"gzip": true, "br": true, "zstd": true}
	}
	var order []string
	for _, algo := range defaultAlgoOrder {
		if allowed[algo] {
			order = append(order, algo)
		}
	}
	return &Middleware{level: level, algoOrder: order}
}

// encodingPref is a parsed Accept-Encoding entry.
type encodingPref struct {
	encoding string
	quality  float64
}

// parseAcceptEncoding parses the Accept-Encoding header per RFC 7231
// §5.3.4, the same grammar the teacher's parseAcceptEncoding handles.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: enc, quality: q})
	}
	return prefs
}

// negotiate picks the best algorithm from m.algoOrder the client also
// accepts, returning "" when none match or compression is disabled.
func (m *Middleware) negotiate(r *http.Request) string {
	if len(m.algoOrder) == 0 {
		return ""
	}
	prefs := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	bestAlgo := ""
	bestQ := -1.0
	for _, algo := range m.algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if hasWildcard {
				q = wildcardQ
			} else {
				continue
			}
		}
		if q <= 0 {
			continue // q=0 means rejected
		}
		if q > bestQ {
			bestQ = q
			bestAlgo = algo
		}
	}
	return bestAlgo
}

func (m *Middleware) Post(_ *gwmw.Context, _ http.ResponseWriter, r *http.Request, resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return nil
	}
	algo := m.negotiate(r)
	if algo == "" {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	resp.Body.Close()

	var buf bytes.Buffer
	if err := m.encode(&buf, algo, body); err != nil {
		return err
	}

	resp.Body = io.NopCloser(&buf)
	resp.Header.Set("Content-Encoding", algo)
	resp.Header.Add("Vary", "Accept-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(buf.Len()))
	resp.ContentLength = int64(buf.Len())
	return nil
}

// encode writes body through the algo-named encoder into w, the same
// per-algorithm construction the teacher's newEncodingWriter does
// (gzip level capped at 9, brotli and zstd taking the level as-is).
func (m *Middleware) encode(w io.Writer, algo string, body []byte) error {
	switch algo {
	case "br":
		bw := brotli.NewWriterLevel(w, m.level)
		if _, err := bw.Write(body); err != nil {
			bw.Close()
			return err
		}
		return bw.Close()
	case "zstd":
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(m.level)))
		if err != nil {
			return err
		}
		if _, err := zw.Write(body); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	default:
		level := m.level
		if level > 9 {
			level = 9
		}
		gw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return err
		}
		if _, err := gw.Write(body); err != nil {
			gw.Close()
			return err
		}
		return gw.Close()
	}
}
