package httpx

import (
	"fmt"
	"regexp"
	"strings"
)

// Handler processes a matched request and returns the response to send.
type Handler func(ctx *Context, req *Request) *Response

// Context carries the per-server dependencies a handler may need, the Go
// counterpart of the original RequestContext (db pool, doc root).
type Context struct {
	DocRoot   string
	UploadDir string
	// Extra holds additional domain-stack dependencies (dbpool, session
	// store, ban store, ...) that handlers type-assert out of by key, so
	// this package does not need to import every domain package.
	Extra map[string]any
}

// routeRule is one registered route: either a literal path or a compiled
// regular expression, matched in registration order.
type routeRule struct {
	pattern string
	re      *regexp.Regexp
	isRegex bool
	handler Handler
}

// Router dispatches requests to handlers by method and path, first
// registered match wins. Regex routes support named capture groups
// surfaced to the handler via Request.Params.
type Router struct {
	rules map[string][]*routeRule // method -> rules in registration order
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{rules: map[string][]*routeRule{}}
}

// isRegexPattern reports whether pattern contains any regex metacharacter,
// matching the original's is_regex_pattern check.
func isRegexPattern(pattern string) bool {
	return strings.ContainsAny(pattern, `.*+?^${}()|[]\`)
}

// AddRoute registers handler for method+pattern. If pattern looks like a
// regular expression and fails to compile, AddRoute returns an error
// rather than silently degrading to a literal match — a deliberate
// behavior change from the original (see DESIGN.md's Open Question
// decisions): a broken route pattern is a deploy-time bug that should
// fail the deploy, not fail every request that happens to match the
// literal string instead.
func (r *Router) AddRoute(method, pattern string, handler Handler) error {
	rule := &routeRule{pattern: pattern, handler: handler}
	if isRegexPattern(pattern) {
		re, err := regexp.Compile("^" + pattern + "$")
		if err != nil {
			return fmt.Errorf("httpx: compile route pattern %q: %w", pattern, err)
		}
		rule.re = re
		rule.isRegex = true
	}
	r.rules[method] = append(r.rules[method], rule)
	return nil
}

// MustAddRoute is AddRoute but panics on error, for init-time route tables
// where a bad pattern is a programming error that should fail fast.
func (r *Router) MustAddRoute(method, pattern string, handler Handler) {
	if err := r.AddRoute(method, pattern, handler); err != nil {
		panic(err)
	}
}

// Route finds the first rule registered under req.Method whose pattern
// matches req.Path. It returns (nil, false) if the method has no rules at
// all, and a MethodNotAllowed-shaped nil handler is the caller's
// responsibility to detect by checking whether any rules exist for other
// methods (Route does not infer 405 vs 404 itself: that policy belongs to
// the connection/handler layer, matching the original's route_request).
func (r *Router) Route(req *Request) (Handler, bool) {
	rules, ok := r.rules[req.Method]
	if !ok {
		return nil, false
	}
	for _, rule := range rules {
		if rule.isRegex {
			m := rule.re.FindStringSubmatch(req.Path)
			if m == nil {
				continue
			}
			if req.Params == nil {
				req.Params = map[string]string{}
			}
			for i, name := range rule.re.SubexpNames() {
				if i == 0 || name == "" {
					continue
				}
				req.Params[name] = m[i]
			}
			return rule.handler, true
		}
		if rule.pattern == req.Path {
			return rule.handler, true
		}
	}
	return nil, false
}

// HasMethod reports whether any route is registered for method, letting
// callers distinguish 404 from 405.
func (r *Router) HasMethod(method string) bool {
	_, ok := r.rules[method]
	return ok
}

// KnownMethods returns every method that has at least one registered
// route, for building an Allow header on a 405 response.
func (r *Router) KnownMethods() []string {
	methods := make([]string, 0, len(r.rules))
	for m := range r.rules {
		methods = append(methods, m)
	}
	return methods
}

// Dispatch is the convenience entry point combining Route with standard
// 404/500 handling, matching the original route_request's top-level
// control flow.
func (r *Router) Dispatch(ctx *Context, req *Request) *Response {
	handler, ok := r.Route(req)
	if !ok {
		return NotFound()
	}
	resp := handler(ctx, req)
	if resp == nil {
		return InternalError()
	}
	return resp
}
