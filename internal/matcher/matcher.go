// Package matcher compiles a RouteConfig's MatcherRule list into a fast,
// cached predicate evaluated against incoming requests. Matching within a
// route is AND: every rule must pass for the route to be selected.
package matcher

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/wudi/spire/internal/config"
)

// compiled is one evaluated rule: either a precompiled regexp (Host,
// Header, and Path-in-regex-mode) or a plain string comparison
// (Path prefix/exact, Method set), decided once at construction so the
// request-handling hot path never touches regexp.Compile.
type compiled struct {
	rule config.MatcherRule
	re   *regexp.Regexp
}

// Route is a compiled, ready-to-evaluate matcher set for one RouteConfig.
type Route struct {
	rules       []compiled
	pathRewrite string
	pathRuleIdx int // index into rules of the Path-regex rule used for rewrite capture groups, or -1
}

// Compile builds a Route from a RouteConfig's matcher list and its
// path_rewrite template. Regexes are validated by internal/config before
// this runs, so Compile only returns an error if that invariant is violated
// (e.g. a rule was constructed outside the loader).
func Compile(rules []config.MatcherRule, pathRewrite string) (*Route, error) {
	out := &Route{pathRewrite: pathRewrite, pathRuleIdx: -1}

	for i, r := range rules {
		c := compiled{rule: r}
		switch r.Kind {
		case config.MatcherPath:
			if r.MatchType == config.MatchRegex {
				re, err := regexp.Compile(r.Value)
				if err != nil {
					return nil, err
				}
				c.re = re
				out.pathRuleIdx = i
			}
		case config.MatcherHost, config.MatcherHeader:
			re, err := regexp.Compile(r.Regex)
			if err != nil {
				return nil, err
			}
			c.re = re
		case config.MatcherMethod:
			// plain set membership, no regex
		}
		out.rules = append(out.rules, c)
	}

	return out, nil
}

// Matches reports whether every rule in the route accepts req.
func (rt *Route) Matches(req *http.Request) bool {
	for _, c := range rt.rules {
		if !matchOne(c, req) {
			return false
		}
	}
	return true
}

func matchOne(c compiled, req *http.Request) bool {
	switch c.rule.Kind {
	case config.MatcherPath:
		return matchPath(c, req.URL.Path)
	case config.MatcherHost:
		host := req.Host
		if h, _, ok := splitHostPort(host); ok {
			host = h
		}
		return c.re.MatchString(host)
	case config.MatcherHeader:
		return c.re.MatchString(req.Header.Get(c.rule.Name))
	case config.MatcherMethod:
		for _, m := range c.rule.Methods {
			if strings.EqualFold(m, req.Method) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchPath(c compiled, path string) bool {
	switch c.rule.MatchType {
	case config.MatchExact:
		return path == c.rule.Value
	case config.MatchPrefix:
		return strings.HasPrefix(path, c.rule.Value)
	case config.MatchRegex:
		return c.re.MatchString(path)
	default:
		return false
	}
}

func splitHostPort(host string) (string, string, bool) {
	if i := strings.LastIndexByte(host, ':'); i != -1 {
		return host[:i], host[i+1:], true
	}
	return host, "", false
}

// RewritePath returns the path to forward upstream. With no path_rewrite
// the original path is returned. Otherwise the template is applied
// against the Path-regex rule's capture groups when one is present (a
// path the regex doesn't match comes back unchanged); for a Prefix/Exact
// Path rule the matched prefix is stripped and the rest appended to the
// template; with no Path rule at all the template itself is returned.
func (rt *Route) RewritePath(originalPath string) string {
	if rt.pathRewrite == "" {
		return originalPath
	}
	if rt.pathRuleIdx < 0 {
		for _, c := range rt.rules {
			if c.rule.Kind != config.MatcherPath {
				continue
			}
			if !strings.HasPrefix(originalPath, c.rule.Value) {
				return originalPath
			}
			return rt.pathRewrite + strings.TrimPrefix(originalPath, c.rule.Value)
		}
		return rt.pathRewrite
	}
	re := rt.rules[rt.pathRuleIdx].re
	return re.ReplaceAllString(originalPath, rt.pathRewrite)
}
