package httpparser

import (
	"os"
	"testing"
)

func parseAll(t *testing.T, chunks []string) (*Request, Status) {
	t.Helper()
	p := New(Options{UploadDir: t.TempDir()})
	var status Status
	for _, c := range chunks {
		var err error
		status, err = p.Feed([]byte(c))
		if err != nil {
			t.Fatalf("Feed chunk %q: %v", c, err)
		}
		if status == Complete {
			break
		}
	}
	return p.Result(), status
}

func TestParseSimpleGet(t *testing.T) {
	raw := "GET /hello?x=1 HTTP/1.1\r\nHost: example.com\r\n\r\n"
	req, status := parseAll(t, []string{raw})
	if status != Complete {
		t.Fatalf("status = %v, want Complete", status)
	}
	if req.Method != "GET" || req.Path != "/hello" || req.RawQuery != "x=1" {
		t.Fatalf("parsed = %+v", req)
	}
	if req.Header.Get("Host") != "example.com" {
		t.Fatalf("Host header = %q", req.Header.Get("Host"))
	}
}

func TestParseSplitAcrossManyChunks(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello"
	var chunks []string
	for i := 0; i < len(raw); i++ {
		chunks = append(chunks, string(raw[i]))
	}
	req, status := parseAll(t, chunks)
	if status != Complete {
		t.Fatalf("status = %v, want Complete", status)
	}
	if string(req.Body) != "hello" {
		t.Fatalf("body = %q, want %q", req.Body, "hello")
	}
}

func TestParseFormURLEncodedBody(t *testing.T) {
	raw := "POST /login HTTP/1.1\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 26\r\n\r\nuser=alice&pass=s%26ecret1"
	req, status := parseAll(t, []string{raw})
	if status != Complete {
		t.Fatalf("status = %v, want Complete", status)
	}
	if req.Form.Get("user") != "alice" {
		t.Fatalf("user = %q", req.Form.Get("user"))
	}
	if req.Form.Get("pass") != "s&ecret1" {
		t.Fatalf("pass = %q", req.Form.Get("pass"))
	}
}

func buildMultipart(boundary, fieldName, fieldValue, fileName, fileContent string) string {
	var b []byte
	b = append(b, []byte("--"+boundary+"\r\n")...)
	b = append(b, []byte(`Content-Disposition: form-data; name="`+fieldName+`"`+"\r\n\r\n")...)
	b = append(b, []byte(fieldValue)...)
	b = append(b, []byte("\r\n--"+boundary+"\r\n")...)
	b = append(b, []byte(`Content-Disposition: form-data; name="file"; filename="`+fileName+`"`+"\r\n")...)
	b = append(b, []byte("Content-Type: text/plain\r\n\r\n")...)
	b = append(b, []byte(fileContent)...)
	b = append(b, []byte("\r\n--"+boundary+"--\r\n")...)
	return string(b)
}

func multipartRequest(boundary, body string) string {
	header := "POST /upload HTTP/1.1\r\nContent-Type: multipart/form-data; boundary=" + boundary + "\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n"
	return header + body
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestParseMultipartFieldAndFile(t *testing.T) {
	boundary := "XBOUND123"
	body := buildMultipart(boundary, "caption", "a nice day", "pic.txt", "file-bytes-here")
	raw := multipartRequest(boundary, body)

	req, status := parseAll(t, []string{raw})
	if status != Complete {
		t.Fatalf("status = %v, want Complete", status)
	}
	if req.Multipart == nil {
		t.Fatalf("Multipart is nil")
	}
	if got := req.Multipart.Value["caption"]; len(got) != 1 || got[0] != "a nice day" {
		t.Fatalf("caption = %v", got)
	}
	files := req.Multipart.File["file"]
	if len(files) != 1 {
		t.Fatalf("files = %v, want 1 entry", files)
	}
	data, err := os.ReadFile(files[0].TempPath)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", files[0].TempPath, err)
	}
	if string(data) != "file-bytes-here" {
		t.Fatalf("file content = %q", data)
	}
}

// TestMultipartBoundarySplitAcrossChunks is the hardened-behavior
// regression test: feeding the exact same multipart body one byte at a
// time must produce identical results to feeding it whole, including when
// a boundary string is split at every possible byte offset across two
// reads. This is the property the original C++ parser got wrong.
func TestMultipartBoundarySplitAcrossChunks(t *testing.T) {
	boundary := "split-boundary-42"
	fileContent := "The quick brown fox jumps over the lazy dog. " +
		"--split-boundary-4 is not the boundary and must survive intact in the file body."
	body := buildMultipart(boundary, "name", "value-field", "f.txt", fileContent)
	raw := multipartRequest(boundary, body)

	// Whole-buffer baseline.
	wantReq, wantStatus := parseAll(t, []string{raw})
	if wantStatus != Complete {
		t.Fatalf("baseline parse did not complete")
	}
	wantFiles := wantReq.Multipart.File["file"]
	if len(wantFiles) != 1 {
		t.Fatalf("baseline: expected 1 file, got %d", len(wantFiles))
	}
	wantData, _ := os.ReadFile(wantFiles[0].TempPath)
	if string(wantData) != fileContent {
		t.Fatalf("baseline file content mismatch: %q", wantData)
	}

	// Split at every possible offset.
	for split := 1; split < len(raw); split++ {
		req, status := parseAll(t, []string{raw[:split], raw[split:]})
		if status != Complete {
			t.Fatalf("split at %d: status = %v, want Complete", split, status)
		}
		files := req.Multipart.File["file"]
		if len(files) != 1 {
			t.Fatalf("split at %d: expected 1 file, got %d", split, len(files))
		}
		data, err := os.ReadFile(files[0].TempPath)
		if err != nil {
			t.Fatalf("split at %d: ReadFile: %v", split, err)
		}
		if string(data) != fileContent {
			t.Fatalf("split at %d: file content = %q, want %q", split, data, fileContent)
		}
		if got := req.Multipart.Value["name"]; len(got) != 1 || got[0] != "value-field" {
			t.Fatalf("split at %d: field value = %v", split, got)
		}
	}
}

func TestParseByteAtATimeAcrossWholeRequest(t *testing.T) {
	boundary := "bbb"
	body := buildMultipart(boundary, "k", "v", "n.bin", "0123456789")
	raw := multipartRequest(boundary, body)

	var chunks []string
	for i := 0; i < len(raw); i++ {
		chunks = append(chunks, string(raw[i]))
	}
	req, status := parseAll(t, chunks)
	if status != Complete {
		t.Fatalf("status = %v, want Complete", status)
	}
	files := req.Multipart.File["file"]
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	data, _ := os.ReadFile(files[0].TempPath)
	if string(data) != "0123456789" {
		t.Fatalf("file content = %q", data)
	}
}
