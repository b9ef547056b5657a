package transcode

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ndjsonWriter streams one JSON object per line, flushing after each so a
// server-streaming or bidi RPC reaches the client incrementally instead of
// buffering the whole response.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex

	marshalOpts protojson.MarshalOptions
}

func newNDJSONWriter(w http.ResponseWriter) (*ndjsonWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &ndjsonWriter{
		w:           w,
		flusher:     flusher,
		marshalOpts: protojson.MarshalOptions{UseProtoNames: true},
	}, nil
}

func (nw *ndjsonWriter) WriteMessage(msg proto.Message) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()

	line, err := nw.marshalOpts.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message json: %w", err)
	}
	if _, err := nw.w.Write(append(line, '\n')); err != nil {
		return err
	}
	nw.flusher.Flush()
	return nil
}

func (nw *ndjsonWriter) WriteError(code codes.Code, message string) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()

	line := fmt.Sprintf(`{"error":{"code":%d,"message":%q}}`, code, message)
	if _, err := nw.w.Write([]byte(line + "\n")); err != nil {
		return err
	}
	nw.flusher.Flush()
	return nil
}

// ndjsonReader reads a client-streaming or bidi request body back apart
// one newline-delimited JSON message at a time.
type ndjsonReader struct {
	scanner       *bufio.Scanner
	unmarshalOpts protojson.UnmarshalOptions
}

func newNDJSONReader(r io.Reader) *ndjsonReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &ndjsonReader{
		scanner:       scanner,
		unmarshalOpts: protojson.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (nr *ndjsonReader) ReadMessage(msg proto.Message) error {
	if !nr.scanner.Scan() {
		if err := nr.scanner.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	line := nr.scanner.Bytes()
	if len(line) == 0 {
		return nr.ReadMessage(msg)
	}
	if err := nr.unmarshalOpts.Unmarshal(line, msg); err != nil {
		return fmt.Errorf("parse json line: %w", err)
	}
	return nil
}
