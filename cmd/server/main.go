// Command server runs the HTTP/1.1 + WebSocket engine: a main reactor
// accepting connections and round-robining them across a fixed pool of
// sub-reactors, each backed by the shared worker pool, buffer pool,
// connection pool, and WebSocket server registry. Grounded on the
// original main.cpp and the teacher's cmd/wsserver/main.go, which reads
// os.Getenv directly with typed fallbacks rather than a flag-parsing
// framework — this command follows the same convention.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	_ "github.com/lib/pq"

	"github.com/kestrel-web/engine/internal/ban"
	"github.com/kestrel-web/engine/internal/bufpool"
	"github.com/kestrel-web/engine/internal/connpool"
	"github.com/kestrel-web/engine/internal/dbpool"
	"github.com/kestrel-web/engine/internal/handlers"
	"github.com/kestrel-web/engine/internal/httpconn"
	"github.com/kestrel-web/engine/internal/httpx"
	"github.com/kestrel-web/engine/internal/logging"
	"github.com/kestrel-web/engine/internal/reactor"
	"github.com/kestrel-web/engine/internal/report"
	"github.com/kestrel-web/engine/internal/roomrelay"
	"github.com/kestrel-web/engine/internal/session"
	"github.com/kestrel-web/engine/internal/workerpool"
	"github.com/kestrel-web/engine/internal/wsserver"
	"github.com/kestrel-web/engine/migrations"
)

type config struct {
	listenAddr     string
	workerPoolSize int
	maxBacklog     int
	maxConnections int
	dbDSN          string
	dbPoolSize     int
	redisAddr      string
	natsURL        string
	closeLog       bool
	idleTimeout    time.Duration
	docRoot        string
	uploadDir      string
	subReactors    int
	logDir         string
}

func loadConfig() config {
	cfg := config{
		listenAddr:     ":8080",
		workerPoolSize: 256,
		maxBacklog:     4096,
		maxConnections: 100000,
		dbPoolSize:     8,
		idleTimeout:    15 * time.Second,
		docRoot:        "./root",
		uploadDir:      "./uploads",
		subReactors:    runtime.NumCPU(),
		logDir:         "./logs",
	}
	if cfg.subReactors <= 0 {
		cfg.subReactors = 8
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.listenAddr = v
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.workerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxConnections = n
		}
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.dbDSN = v
	}
	if v := os.Getenv("DB_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.dbPoolSize = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.redisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.natsURL = v
	}
	if v := os.Getenv("CLOSE_LOG"); v != "" {
		cfg.closeLog = v == "1" || v == "true"
	}
	if v := os.Getenv("IDLE_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.idleTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DOC_ROOT"); v != "" {
		cfg.docRoot = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		cfg.uploadDir = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.logDir = v
	}
	return cfg
}

func main() {
	cfg := loadConfig()

	logOpts := logging.DefaultOptions(cfg.logDir, "server")
	logOpts.CloseLog = cfg.closeLog
	rotatingLog, err := logging.New(logOpts)
	if err != nil {
		log.Fatalf("engine: open log: %v", err)
	}
	defer rotatingLog.Close()

	rotatingLog.Info("engine: starting")
	rotatingLog.Info("  listen_addr:     %s", cfg.listenAddr)
	rotatingLog.Info("  worker_pool:     %d", cfg.workerPoolSize)
	rotatingLog.Info("  sub_reactors:    %d", cfg.subReactors)
	rotatingLog.Info("  max_connections: %d", cfg.maxConnections)
	rotatingLog.Info("  idle_timeout:    %s", cfg.idleTimeout)
	rotatingLog.Info("  doc_root:        %s", cfg.docRoot)

	routerCtx := &httpx.Context{
		DocRoot:   cfg.docRoot,
		UploadDir: cfg.uploadDir,
		Extra:     map[string]any{},
	}

	// --- Optional domain stack: DB-backed users/abuse-reports. ---
	var reportStore *report.Store
	if cfg.dbDSN != "" {
		if err := migrations.Up(cfg.dbDSN); err != nil {
			log.Fatalf("engine: migrations: %v", err)
		}
		pool, err := dbpool.Open(context.Background(), "postgres", cfg.dbDSN, cfg.dbPoolSize)
		if err != nil {
			log.Fatalf("engine: open db pool: %v", err)
		}
		routerCtx.Extra["dbpool"] = pool
		reportStore = report.NewStore(pool)
		rotatingLog.Info("  db:              connected (%d handles)", cfg.dbPoolSize)
	} else {
		rotatingLog.Info("  db:              disabled (DB_DSN not set)")
	}

	// --- Optional domain stack: Redis-backed sessions/bans. ---
	var sessions *session.Store
	var banStore *ban.Store
	if cfg.redisAddr != "" {
		serverName, _ := os.Hostname()
		if serverName == "" {
			serverName = "engine-1"
		}
		var err error
		sessions, err = session.NewStore(cfg.redisAddr, serverName)
		if err != nil {
			log.Fatalf("engine: connect redis: %v", err)
		}
		banStore = ban.NewStore(sessions.Client())
		routerCtx.Extra["sessions"] = sessions
		rotatingLog.Info("  redis:           connected (%s)", cfg.redisAddr)
	} else {
		rotatingLog.Info("  redis:           disabled (REDIS_ADDR not set), ws auth always fails")
		sessions = nil
	}

	// --- Optional domain stack: cross-process room relay. ---
	var relay *roomrelay.Relay
	if cfg.natsURL != "" {
		relayCfg := roomrelay.DefaultConfig()
		relayCfg.URL = cfg.natsURL
		var err error
		relay, err = roomrelay.Connect(relayCfg)
		if err != nil {
			log.Fatalf("engine: connect nats: %v", err)
		}
		rotatingLog.Info("  nats:            connected (%s)", cfg.natsURL)
	} else {
		rotatingLog.Info("  nats:            disabled (NATS_URL not set), single-process room broadcast only")
	}

	var sessionLookup wsserver.SessionLookup
	if sessions != nil {
		sessionLookup = sessions
	} else {
		sessionLookup = noSessions{}
	}
	var roomRelay wsserver.RoomRelay
	if relay != nil {
		roomRelay = relay
	}
	wsServer := wsserver.New(sessionLookup, roomRelay)

	var reportSink wsserver.ReportSink
	if reportStore != nil {
		reportSink = reportStore
	}
	var abuseChecker wsserver.AbuseChecker
	if banStore != nil {
		abuseChecker = banStore
	}
	wsServer.SetReporting(reportSink, abuseChecker)

	router := httpx.NewRouter()
	router.MustAddRoute("GET", "/ws", handlers.WSUpgrade)
	router.MustAddRoute("POST", "/api/login", handlers.Login)
	router.MustAddRoute("POST", "/api/register", handlers.Register)
	router.MustAddRoute("GET", "/metrics", metricsHandlerRoute)
	router.MustAddRoute("GET", `/.*`, handlers.StaticFile)

	workers := workerpool.New(cfg.workerPoolSize, cfg.maxBacklog)
	buffers := bufpool.New()
	conns := connpool.New()

	httpCfg := httpconn.Config{
		MaxRequests: 1000,
		IdleTimeout: cfg.idleTimeout,
		UploadDir:   cfg.uploadDir,
		BufferPool:  buffers,
		Router:      router,
		Context:     routerCtx,
	}

	subs := make([]*reactor.SubReactor, cfg.subReactors)
	for i := range subs {
		sr, err := reactor.NewSubReactor(reactor.Config{
			ID:           i,
			WorkerSubmit: workers.Submit,
			ConnPool:     conns,
			HTTPConfig:   httpCfg,
			WSServer:     wsServer,
			IdleTimeout:  cfg.idleTimeout,
			Logger:       logging.Component(fmt.Sprintf("reactor-%d", i)),
		})
		if err != nil {
			log.Fatalf("engine: create sub-reactor %d: %v", i, err)
		}
		subs[i] = sr
	}

	main_, err := reactor.NewMainReactor(cfg.listenAddr, subs, logging.Component("main-reactor"))
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	go func() {
		sig := reactor.WaitForSignal()
		rotatingLog.Info("engine: received signal %v, shutting down", sig)
		if relay != nil {
			relay.Close()
		}
		if err := main_.Shutdown(); err != nil {
			rotatingLog.Info("engine: shutdown error: %v", err)
		}
		workers.Shutdown(10 * time.Second)
		rotatingLog.Close()
		os.Exit(0)
	}()

	rotatingLog.Info("engine: listening on %s", cfg.listenAddr)
	if err := main_.Run(); err != nil {
		log.Fatalf("engine: %v", err)
	}
}

// noSessions rejects every auth attempt, used when REDIS_ADDR is unset so
// the WebSocket server's auth dispatch still behaves (fails closed rather
// than panicking on a nil SessionLookup).
type noSessions struct{}

func (noSessions) Username(ctx context.Context, sessionID string) (string, bool) { return "", false }

// metricsHandlerRoute renders the default Prometheus registry as text, the
// /metrics endpoint content promhttp.Handler() would otherwise produce —
// reimplemented against the gatherer directly instead of promhttp's
// net/http-shaped Handler, since this engine's routes run through its own
// httpx.Handler pipeline rather than net/http's.
func metricsHandlerRoute(ctx *httpx.Context, req *httpx.Request) *httpx.Response {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return httpx.InternalError()
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return httpx.InternalError()
		}
	}
	return httpx.NewResponse(200).SetHeader("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain))).SetBody(buf.Bytes())
}
