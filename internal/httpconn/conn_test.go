package httpconn

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-web/engine/internal/httpx"
)

func newTestRouter() *httpx.Router {
	r := httpx.NewRouter()
	r.MustAddRoute("GET", "/hello", func(ctx *httpx.Context, req *httpx.Request) *httpx.Response {
		return httpx.NewResponse(200).Text("hi")
	})
	r.MustAddRoute("GET", "/close-me", func(ctx *httpx.Context, req *httpx.Request) *httpx.Response {
		return httpx.NewResponse(200).SetHeader("Connection", "close").Text("bye")
	})
	return r
}

func TestServeOneKeepAlive(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, Config{Router: newTestRouter(), Context: &httpx.Context{}})

	go func() {
		action, err := c.ServeOne()
		if err != nil {
			t.Errorf("ServeOne error: %v", err)
		}
		if action != ActionWait {
			t.Errorf("action = %v, want ActionWait", action)
		}
	}()

	if _, err := client.Write([]byte("GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Fatalf("status line = %q, want 200 prefix", resp)
	}
}

func TestServeOneCloseOnExplicitHeader(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, Config{Router: newTestRouter(), Context: &httpx.Context{}})

	done := make(chan Action, 1)
	go func() {
		action, _ := c.ServeOne()
		done <- action
	}()

	if _, err := client.Write([]byte("GET /close-me HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	go io.Copy(io.Discard, client)

	select {
	case action := <-done:
		if action != ActionClose {
			t.Fatalf("action = %v, want ActionClose", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ServeOne")
	}
}

func TestServeOneMalformedRequestClosesConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, Config{Router: newTestRouter(), Context: &httpx.Context{}})

	done := make(chan Action, 1)
	go func() {
		action, _ := c.ServeOne()
		done <- action
	}()

	// A request line longer than the parser's max, forcing a parse error.
	longPath := "/" + strings.Repeat("a", 70000)
	if _, err := client.Write([]byte("GET " + longPath + " HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	go io.Copy(io.Discard, client)

	select {
	case action := <-done:
		if action != ActionClose {
			t.Fatalf("action = %v, want ActionClose", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ServeOne")
	}
}

func TestResetReusesConnForNewSocket(t *testing.T) {
	server1, client1 := net.Pipe()
	c := New(server1, Config{Router: newTestRouter(), Context: &httpx.Context{}})
	client1.Close()
	server1.Close()

	server2, client2 := net.Pipe()
	defer client2.Close()
	c.Reset(server2, Config{Router: newTestRouter(), Context: &httpx.Context{}})

	done := make(chan Action, 1)
	go func() {
		action, _ := c.ServeOne()
		done <- action
	}()

	if _, err := client2.Write([]byte("GET /hello HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	go io.Copy(io.Discard, client2)

	select {
	case action := <-done:
		if action != ActionWait {
			t.Fatalf("action = %v, want ActionWait", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ServeOne")
	}
}
