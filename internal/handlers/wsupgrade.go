package handlers

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/kestrel-web/engine/internal/httpx"
)

// wsGUID is the RFC 6455 well-known handshake GUID, grounded on the
// original Tools::generate_accept_value (src/Tools.cpp).
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WSUpgrade handles GET /ws: it validates the RFC 6455 handshake headers
// and, on success, returns a 101 response carrying Sec-WebSocket-Accept.
// internal/httpconn recognizes this exact shape (status 101 + an
// Upgrade: websocket header) and hands the connection's fd over to its
// OnUpgrade hook once these header bytes are flushed — the handshake
// itself needs no gobwas/ws Upgrader, since the request line and headers
// already came through the normal HTTP parser (component G) rather than
// being read fresh off the wire the way gobwas/ws's own upgrader expects.
func WSUpgrade(ctx *httpx.Context, req *httpx.Request) *httpx.Response {
	if req.Method != "GET" {
		return httpx.MethodNotAllowed()
	}
	if !headerContainsToken(req.Header.Get("Connection"), "upgrade") ||
		!strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return httpx.BadRequest("expected a WebSocket upgrade request")
	}
	if req.Header.Get("Sec-WebSocket-Version") != "13" {
		return httpx.BadRequest("unsupported Sec-WebSocket-Version")
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return httpx.BadRequest("missing Sec-WebSocket-Key")
	}

	return httpx.NewResponse(101).
		SetHeader("Upgrade", "websocket").
		SetHeader("Connection", "Upgrade").
		SetHeader("Sec-WebSocket-Accept", acceptValue(key))
}

func acceptValue(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
