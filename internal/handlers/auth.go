package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/kestrel-web/engine/internal/dbpool"
	"github.com/kestrel-web/engine/internal/httpx"
	"github.com/kestrel-web/engine/internal/session"
)

// dbPoolKey and sessionsKey are the Context.Extra keys under which
// cmd/server wires the shared internal/dbpool.Pool and internal/session.Store
// for handlers that need them.
const (
	dbPoolKey   = "dbpool"
	sessionsKey = "sessions"
)

func poolFrom(ctx *httpx.Context) *dbpool.Pool {
	p, _ := ctx.Extra[dbPoolKey].(*dbpool.Pool)
	return p
}

func sessionsFrom(ctx *httpx.Context) *session.Store {
	s, _ := ctx.Extra[sessionsKey].(*session.Store)
	return s
}

// Register handles POST /api/register: validates the username/password
// form fields and inserts a new row into users, matching the original's
// handle_register. Unlike the original, the credential insert uses a
// parameterized query instead of snprintf string concatenation.
func Register(ctx *httpx.Context, req *httpx.Request) *httpx.Response {
	if req.Method != "POST" {
		return httpx.MethodNotAllowed()
	}

	username := req.FormValue("username")
	password := req.FormValue("password")
	email := req.FormValue("email")
	if username == "" || password == "" {
		return httpx.NewResponse(400).JSON([]byte(`{"status":"error","msg":"用户名和密码不能为空"}`))
	}

	pool := poolFrom(ctx)
	if pool == nil {
		return httpx.NewResponse(500).JSON([]byte(`{"status":"error","msg":"数据库连接失败"}`))
	}
	db, err := pool.Acquire(context.Background())
	if err != nil {
		log.Printf("handlers: register acquire db: %v", err)
		return httpx.NewResponse(500).JSON([]byte(`{"status":"error","msg":"数据库连接失败"}`))
	}
	defer pool.Release(db)

	_, err = db.Exec(`INSERT INTO users(username, password, email) VALUES($1, $2, $3)`, username, password, email)
	if err != nil {
		log.Printf("handlers: register insert: %v", err)
		return httpx.NewResponse(500).JSON([]byte(`{"status":"error","msg":"注册失败"}`))
	}
	return httpx.NewResponse(200).JSON([]byte(`{"status":"ok","msg":"注册成功"}`))
}

// Login handles POST /api/login: checks username/password against users,
// matching the original's handle_login (SELECT id ... num_rows check).
func Login(ctx *httpx.Context, req *httpx.Request) *httpx.Response {
	if req.Method != "POST" {
		return httpx.MethodNotAllowed()
	}

	username := req.FormValue("username")
	password := req.FormValue("password")
	if username == "" || password == "" {
		return httpx.NewResponse(400).JSON([]byte(`{"status":"error","msg":"用户名和密码不能为空"}`))
	}

	pool := poolFrom(ctx)
	if pool == nil {
		return httpx.NewResponse(500).JSON([]byte(`{"status":"error","msg":"数据库连接失败"}`))
	}
	db, err := pool.Acquire(context.Background())
	if err != nil {
		log.Printf("handlers: login acquire db: %v", err)
		return httpx.NewResponse(500).JSON([]byte(`{"status":"error","msg":"数据库连接失败"}`))
	}
	defer pool.Release(db)

	var id int64
	err = db.QueryRow(`SELECT id FROM users WHERE username = $1 AND password = $2`, username, password).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		return httpx.NewResponse(401).JSON([]byte(`{"status":"error","msg":"用户名或密码错误"}`))
	case err != nil:
		log.Printf("handlers: login query: %v", err)
		return httpx.NewResponse(500).JSON([]byte(`{"status":"error","msg":"登录失败"}`))
	default:
		sessions := sessionsFrom(ctx)
		if sessions == nil {
			// No Redis configured: HTTP login still succeeds, but the
			// caller gets no sessionid and can't complete the WebSocket
			// "auth" handshake.
			return httpx.NewResponse(200).JSON([]byte(`{"status":"ok","msg":"登录成功"}`))
		}

		sessionID := uuid.NewString()
		if err := sessions.Create(context.Background(), sessionID, username); err != nil {
			log.Printf("handlers: login create session: %v", err)
			return httpx.NewResponse(200).JSON([]byte(`{"status":"ok","msg":"登录成功"}`))
		}
		body := fmt.Sprintf(`{"status":"ok","msg":"登录成功","sessionid":%q}`, sessionID)
		return httpx.NewResponse(200).JSON([]byte(body))
	}
}
