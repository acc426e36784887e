// Package server is the daemon's HTTP boundary. One gin engine carries
// the MCP streamable endpoint the assistants talk to, the REST surface
// the local dashboard reads, the auth and sync proxies, and the
// Prometheus exposition. Everything binds loopback only; the engine
// itself never listens.
package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/useai-dev/useaid/chain"
	"github.com/useai-dev/useaid/config"
	"github.com/useai-dev/useaid/lifecycle"
	"github.com/useai-dev/useaid/metrics"
	"github.com/useai-dev/useaid/query"
	"github.com/useai-dev/useaid/slogger"
)

// Options configures a Server.
type Options struct {
	Coordinator *lifecycle.Coordinator
	Query       *query.Service
	Chains      *chain.Store

	// ConfigDir is where POST /config persists config.json.
	ConfigDir string

	// Config returns the current configuration. Called per request so hot
	// reloads take effect immediately. Defaults to config.Default.
	Config func() *config.Config

	// OnConfigSaved runs after POST /config persists a new configuration,
	// before the response is written.
	OnConfigSaved func(*config.Config)

	// SyncURL is the remote aggregation base the auth and sync proxies
	// forward to. Defaults to config.SyncURL().
	SyncURL string

	// HTTPClient performs proxy calls. Defaults to a 30 second client.
	HTTPClient *http.Client

	Logger slogger.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Server owns the daemon's HTTP handler tree.
type Server struct {
	coordinator   *lifecycle.Coordinator
	query         *query.Service
	chains        *chain.Store
	configDir     string
	config        func() *config.Config
	onConfigSaved func(*config.Config)
	syncURL       string
	httpClient    *http.Client
	logger        slogger.Logger
	now           func() time.Time
	startedAt     time.Time
}

// New creates a server. Call Handler to obtain the http.Handler to bind.
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.Default
	}
	if opts.SyncURL == "" {
		opts.SyncURL = config.SyncURL()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		coordinator:   opts.Coordinator,
		query:         opts.Query,
		chains:        opts.Chains,
		configDir:     opts.ConfigDir,
		config:        opts.Config,
		onConfigSaved: opts.OnConfigSaved,
		syncURL:       opts.SyncURL,
		httpClient:    opts.HTTPClient,
		logger:        opts.Logger,
		now:           opts.Now,
		startedAt:     opts.Now(),
	}
}

// Handler builds the full route tree: the MCP endpoint, the REST surface,
// the proxies, and /metrics.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	router.Any("/mcp", s.rpcGuard(), gin.WrapH(s.buildMCP()))

	router.GET("/health", s.handleHealth)
	router.GET("/sessions", s.handleSessions)
	router.GET("/milestones", s.handleMilestones)
	router.GET("/stats", s.handleStats)
	router.GET("/config", s.handleGetConfig)
	router.POST("/config", s.handlePostConfig)
	router.POST("/send-otp", s.proxyHandler("/send-otp"))
	router.POST("/verify-otp", s.proxyHandler("/verify-otp"))
	router.POST("/sync", s.proxyHandler("/sync"))
	router.DELETE("/sessions/:id", s.handleDeleteSession)
	router.DELETE("/conversations/:id", s.handleDeleteConversation)
	router.DELETE("/milestones/:id", s.handleDeleteMilestone)
	router.POST("/seal-active", s.handleSealActive)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}

// corsMiddleware reflects the caller's origin so any local dashboard can
// read the daemon. OPTIONS preflights end here with 204, matched route or
// not.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
		c.Header("Access-Control-Expose-Headers", "Mcp-Session-Id")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
	}
}

// rpcMessage is the slice of a JSON-RPC request the transport guard
// inspects.
type rpcMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Name string `json:"name"`
	} `json:"params"`
}

type rpcErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcErrorDetail  `json:"error"`
}

// rpcGuard rejects heartbeat and end calls on connections the daemon has
// no trace of, live or persisted. A connection the map still knows passes
// through to the coordinator's recovery path; session_start always passes
// because it creates state rather than requiring it.
func (s *Server) rpcGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			return
		}
		connectionID := c.GetHeader(sessionHeader)
		if connectionID == "" {
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var msg rpcMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return
		}
		if msg.Method != "tools/call" || len(msg.ID) == 0 {
			return
		}
		if msg.Params.Name != "useai_heartbeat" && msg.Params.Name != "session_end" {
			return
		}
		if s.coordinator.KnowsConnection(connectionID) {
			return
		}
		s.logger.Warn("call on unknown connection", "connection_id", connectionID, "tool", msg.Params.Name)
		c.AbortWithStatusJSON(http.StatusOK, rpcErrorResponse{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error:   rpcErrorDetail{Code: codeSessionNotFound, Message: "Session not found"},
		})
	}
}
