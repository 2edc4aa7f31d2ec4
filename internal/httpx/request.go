// Package httpx provides the immutable request view, response builder, and
// router that sit between the incremental parser (internal/httpparser)
// and the per-connection state machine (internal/httpconn), grounded on
// the original HttpRequest.h/HttpResponse.h/Router.cpp.
package httpx

import (
	"net/textproto"

	"github.com/kestrel-web/engine/internal/httpparser"
)

// Request is the read-only view handlers operate on.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Version    string
	Header     textproto.MIMEHeader
	Body       []byte
	Form       map[string][]string
	Multipart  *httpparser.MultipartForm
	RemoteAddr string

	// Params holds named capture groups from a regex route pattern,
	// e.g. {"id": "42"} for a route registered as `/users/(?P<id>\d+)`.
	Params map[string]string
}

// FromParsed converts a parser result plus connection-level metadata into
// the handler-facing Request view.
func FromParsed(p *httpparser.Request, remoteAddr string) *Request {
	req := &Request{
		Method:     p.Method,
		Path:       p.Path,
		RawQuery:   p.RawQuery,
		Version:    p.Version,
		Header:     p.Header,
		Body:       p.Body,
		Multipart:  p.Multipart,
		RemoteAddr: remoteAddr,
	}
	if p.Form != nil {
		req.Form = map[string][]string(p.Form)
	}
	return req
}

// FormValue returns the first value for key in the urlencoded form body,
// or "" if absent.
func (r *Request) FormValue(key string) string {
	if vs, ok := r.Form[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// KeepAlive reports whether the client asked to keep the connection open,
// honoring both the explicit header and the HTTP/1.1 keep-alive default.
func (r *Request) KeepAlive() bool {
	conn := r.Header.Get("Connection")
	switch conn {
	case "close":
		return false
	case "keep-alive":
		return true
	default:
		return r.Version == "HTTP/1.1"
	}
}
