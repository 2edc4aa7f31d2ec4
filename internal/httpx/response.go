package httpx

import (
	"fmt"
	"net/http"
)

// Response is a builder for the outgoing HTTP/1.1 response. Exactly one of
// Body or FilePath should be set: FilePath lets the connection layer
// (internal/httpconn) perform a zero-copy sendfile-style transfer instead
// of buffering the whole payload in memory, grounded on the original
// prepare_response's file_path vs in-memory-buffer split.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FilePath   string
	FileSize   int64
}

// NewResponse returns a Response with the given status and an empty
// header set.
func NewResponse(statusCode int) *Response {
	return &Response{StatusCode: statusCode, Header: http.Header{}}
}

// SetHeader sets (replacing any existing values) a response header.
func (r *Response) SetHeader(key, value string) *Response {
	r.Header.Set(key, value)
	return r
}

// SetBody sets the in-memory response body and its Content-Length header.
func (r *Response) SetBody(body []byte) *Response {
	r.Body = body
	r.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	return r
}

// SetFile points the response at a file to be streamed via zero-copy
// transfer, with size used for Content-Length.
func (r *Response) SetFile(path string, size int64) *Response {
	r.FilePath = path
	r.FileSize = size
	r.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	return r
}

// JSON sets the body to the given raw JSON bytes with the matching
// Content-Type.
func (r *Response) JSON(raw []byte) *Response {
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	return r.SetBody(raw)
}

// Text sets the body to s with a text/plain Content-Type.
func (r *Response) Text(s string) *Response {
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return r.SetBody([]byte(s))
}

// StatusText returns the canonical reason phrase for the response's status
// code.
func (r *Response) StatusText() string {
	if t := http.StatusText(r.StatusCode); t != "" {
		return t
	}
	return "Unknown"
}

// WriteHeaderBytes renders the status line and headers as the bytes that
// precede the body on the wire.
func (r *Response) WriteHeaderBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, fmt.Sprintf("HTTP/1.1 %d %s\r\n", r.StatusCode, r.StatusText())...)
	for k, vs := range r.Header {
		for _, v := range vs {
			buf = append(buf, k...)
			buf = append(buf, ':', ' ')
			buf = append(buf, v...)
			buf = append(buf, '\r', '\n')
		}
	}
	buf = append(buf, '\r', '\n')
	return buf
}

// NotFound returns a plain 404 response.
func NotFound() *Response {
	return NewResponse(http.StatusNotFound).Text("404 Not Found")
}

// MethodNotAllowed returns a plain 405 response.
func MethodNotAllowed() *Response {
	return NewResponse(http.StatusMethodNotAllowed).Text("405 Method Not Allowed")
}

// InternalError returns a plain 500 response.
func InternalError() *Response {
	return NewResponse(http.StatusInternalServerError).Text("500 Internal Server Error")
}

// BadRequest returns a plain 400 response.
func BadRequest(msg string) *Response {
	return NewResponse(http.StatusBadRequest).Text(msg)
}
