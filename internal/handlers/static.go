// Package handlers holds the small set of HTTP handlers that sit on top of
// the core request/response pipeline (internal/httpx): the static file
// handler and the login/register endpoints, grounded on the original
// src/handler.cpp's handle_static_file/handle_register/handle_login.
package handlers

import (
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/kestrel-web/engine/internal/httpx"
)

// StaticFile serves a file from ctx.DocRoot, resolving req.Path against it
// with path-traversal protection via a canonical-prefix check, matching
// the original's std::filesystem::canonical comparison. "/" is mapped to
// "/index.html"; an extensionless path that has no matching file is
// retried with ".html" appended.
func StaticFile(ctx *httpx.Context, req *httpx.Request) *httpx.Response {
	reqPath := req.Path
	if reqPath == "" || reqPath == "/" {
		reqPath = "/index.html"
	}

	docRoot, err := filepath.Abs(ctx.DocRoot)
	if err != nil {
		return httpx.InternalError()
	}
	canonicalRoot, err := filepath.EvalSymlinks(docRoot)
	if err != nil {
		return httpx.NotFound()
	}

	candidate := filepath.Join(docRoot, filepath.Clean("/"+reqPath))
	if filepath.Ext(candidate) == "" && !fileExists(candidate) {
		if htmlCandidate := candidate + ".html"; fileExists(htmlCandidate) {
			candidate = htmlCandidate
		}
	}

	canonicalFile, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return httpx.NotFound()
	}
	if canonicalFile != canonicalRoot && !strings.HasPrefix(canonicalFile, canonicalRoot+string(filepath.Separator)) {
		return httpx.NewResponse(403).Text("403 Forbidden")
	}

	info, err := os.Stat(canonicalFile)
	if err != nil || !info.Mode().IsRegular() {
		return httpx.NotFound()
	}

	mimeType := mime.TypeByExtension(filepath.Ext(canonicalFile))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	resp := httpx.NewResponse(200).SetHeader("Content-Type", mimeType)
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "font/") ||
		mimeType == "text/css" || mimeType == "application/javascript" {
		resp.SetHeader("Cache-Control", "public, max-age=3600")
	} else {
		resp.SetHeader("Cache-Control", "public, max-age=300")
	}

	const inMemoryLimit = 1 << 20
	if info.Size() < inMemoryLimit {
		body, err := os.ReadFile(canonicalFile)
		if err != nil {
			return httpx.InternalError()
		}
		return resp.SetBody(body)
	}
	return resp.SetFile(canonicalFile, info.Size())
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
