// Package headers implements the RequestHeaders middleware variant:
// adding and removing request headers before the request is forwarded,
// and adding/removing response headers before it reaches the client
// (RewriteResponseHeaders). The ForwardHeader variant has no
// implementation here.
package headers

import (
	"net/http"

	"github.com/wudi/spire/internal/config"
	gwmw "github.com/wudi/spire/internal/middleware"
)

// RequestMiddleware mutates the outbound request's headers.
type RequestMiddleware struct {
	gwmw.Base
	add    map[string]string
	remove []string
}

// NewRequest builds a request-header middleware from cfg.
func NewRequest(cfg config.MiddlewareConfig) *RequestMiddleware {
	return &RequestMiddleware{add: cfg.HeaderAdd, remove: cfg.HeaderRemove}
}

func (m *RequestMiddleware) Pre(_ *gwmw.Context, _ http.ResponseWriter, r *http.Request) (gwmw.Result, error) {
	for _, h := range m.remove {
		r.Header.Del(h)
	}
	for k, v := range m.add {
		r.Header.Set(k, v)
	}
	return gwmw.Result{}, nil
}

// ResponseMiddleware mutates the upstream response's headers before they
// are copied to the client.
type ResponseMiddleware struct {
	gwmw.Base
	add    map[string]string
	remove []string
}

// NewResponse builds a response-header middleware from cfg.
func NewResponse(cfg config.MiddlewareConfig) *ResponseMiddleware {
	return &ResponseMiddleware{add: cfg.HeaderAdd, remove: cfg.HeaderRemove}
}

func (m *ResponseMiddleware) Post(_ *gwmw.Context, _ http.ResponseWriter, _ *http.Request, resp *http.Response) error {
	if resp == nil {
		return nil
	}
	for _, h := range m.remove {
		resp.Header.Del(h)
	}
	for k, v := range m.add {
		resp.Header.Set(k, v)
	}
	return nil
}
