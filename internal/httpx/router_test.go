package httpx

import "testing"

func TestLiteralRouteMatches(t *testing.T) {
	r := NewRouter()
	called := false
	r.MustAddRoute("GET", "/health", func(ctx *Context, req *Request) *Response {
		called = true
		return NewResponse(200)
	})
	req := &Request{Method: "GET", Path: "/health"}
	resp := r.Dispatch(nil, req)
	if !called {
		t.Fatalf("handler was not called")
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
}

func TestFirstMatchWins(t *testing.T) {
	r := NewRouter()
	r.MustAddRoute("GET", `/users/(?P<id>[0-9]+)`, func(ctx *Context, req *Request) *Response {
		return NewResponse(201)
	})
	r.MustAddRoute("GET", `/users/.*`, func(ctx *Context, req *Request) *Response {
		return NewResponse(202)
	})
	resp := r.Dispatch(nil, &Request{Method: "GET", Path: "/users/42"})
	if resp.StatusCode != 201 {
		t.Fatalf("StatusCode = %d, want 201 (first registered match should win)", resp.StatusCode)
	}
}

func TestRegexCapturesNamedParams(t *testing.T) {
	r := NewRouter()
	var gotID string
	r.MustAddRoute("GET", `/users/(?P<id>[0-9]+)`, func(ctx *Context, req *Request) *Response {
		gotID = req.Params["id"]
		return NewResponse(200)
	})
	r.Dispatch(nil, &Request{Method: "GET", Path: "/users/42"})
	if gotID != "42" {
		t.Fatalf("Params[id] = %q, want 42", gotID)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	r := NewRouter()
	r.MustAddRoute("GET", "/health", func(ctx *Context, req *Request) *Response { return NewResponse(200) })
	resp := r.Dispatch(nil, &Request{Method: "GET", Path: "/nope"})
	if resp.StatusCode != 404 {
		t.Fatalf("StatusCode = %d, want 404", resp.StatusCode)
	}
}

func TestAddRouteFailsLoudlyOnBadRegex(t *testing.T) {
	r := NewRouter()
	err := r.AddRoute("GET", `/bad(`, func(ctx *Context, req *Request) *Response { return NewResponse(200) })
	if err == nil {
		t.Fatalf("AddRoute with unbalanced paren returned nil error, want loud failure")
	}
}

func TestMustAddRoutePanicsOnBadRegex(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("MustAddRoute did not panic on a bad pattern")
		}
	}()
	r := NewRouter()
	r.MustAddRoute("GET", `/bad(`, func(ctx *Context, req *Request) *Response { return NewResponse(200) })
}

func TestHasMethodDistinguishesFromUnknownPath(t *testing.T) {
	r := NewRouter()
	r.MustAddRoute("POST", "/submit", func(ctx *Context, req *Request) *Response { return NewResponse(200) })
	if r.HasMethod("GET") {
		t.Fatalf("HasMethod(GET) = true, want false")
	}
	if !r.HasMethod("POST") {
		t.Fatalf("HasMethod(POST) = false, want true")
	}
}
