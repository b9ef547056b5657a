// Package ipfilter implements the AllowDenyList middleware: a plain IP or
// CIDR allow/deny predicate (spec.md §3/§4.3), not a rule-based WAF.
package ipfilter

import (
	"net"
	"net/http"

	"github.com/wudi/spire/internal/config"
	gwerrors "github.com/wudi/spire/internal/errors"
	gwmw "github.com/wudi/spire/internal/middleware"
)

// Middleware rejects (or, with only Allow set, requires) requests by
// client IP/CIDR membership. Deny is evaluated before Allow: a denied IP
// is always rejected even if it also happens to match an allow entry.
type Middleware struct {
	gwmw.Base
	allow []*net.IPNet
	deny  []*net.IPNet
}

// New compiles cfg's Allow/Deny CIDR and bare-IP entries.
func New(cfg config.MiddlewareConfig) *Middleware {
	return &Middleware{allow: compileList(cfg.Allow), deny: compileList(cfg.Deny)}
}

func compileList(entries []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		if _, ipnet, err := net.ParseCIDR(e); err == nil {
			out = append(out, ipnet)
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return out
}

func contains(list []*net.IPNet, ip net.IP) bool {
	for _, n := range list {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Pre denies the request, writing the Denied envelope, if the client IP
// is on the deny list or (when an allow list exists) absent from it.
func (m *Middleware) Pre(_ *gwmw.Context, w http.ResponseWriter, r *http.Request) (gwmw.Result, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		gwerrors.ErrDenied.WriteJSON(w)
		return gwmw.Result{Halt: true}, nil
	}

	if contains(m.deny, ip) {
		gwerrors.ErrDenied.WriteJSON(w)
		return gwmw.Result{Halt: true}, nil
	}
	if len(m.allow) > 0 && !contains(m.allow, ip) {
		gwerrors.ErrDenied.WriteJSON(w)
		return gwmw.Result{Halt: true}, nil
	}
	return gwmw.Result{}, nil
}
