// Package webhook implements the inbound HTTP listener backends push
// play-state events to (spec §4.8). Routing and request-lifecycle
// middleware are the api/middleware package's RequestID and RateLimit,
// the latter generalized from a login-attempt limiter to per-IP webhook
// volume; identity verification and event buffering are this engine's own.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/api/middleware"
	"github.com/watchstate/syncengine/config"
	"github.com/watchstate/syncengine/entity"
	"github.com/watchstate/syncengine/idtrans"
	"github.com/watchstate/syncengine/mapper"
	"github.com/watchstate/syncengine/orchestrator"
)

// Backend is one configured backend this listener will accept webhooks for.
type Backend struct {
	Name    string
	UUID    string // expected server-reported identity, spec §4.8 step 2
	UserID  string // expected reporting user id, spec §4.8 step 1
	Adapter adapter.Adapter
	Enabled bool // ImportEnabled acts as the webhook accept/reject switch
}

// Server is the webhook HTTP listener. One Server handles every configured
// backend; routing dispatches on the {name} path segment.
type Server struct {
	cfg      config.WebhookConfig
	backends map[string]Backend
	mapper   *mapper.DirectMapper
	orch     *orchestrator.Orchestrator
	apiHash  string
	logger   *slog.Logger

	requests *ttlcache.Cache[string, struct{}]
	progress *ttlcache.Cache[string, entity.State]

	engine      *gin.Engine
	stopLimiter func()
}

// New builds a Server wired to the given backends, store-backed mapper, and
// orchestrator (used to forward drained progress events immediately rather
// than waiting for the next scheduled Export).
func New(cfg config.WebhookConfig, apiKeyHash string, backends []Backend, m *mapper.DirectMapper, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}

	s := &Server{
		cfg:      cfg,
		backends: byName,
		mapper:   m,
		orch:     orch,
		apiHash:  apiKeyHash,
		logger:   logger,
		requests: ttlcache.New[string, struct{}](ttlcache.WithTTL[string, struct{}](cfg.RequestsTTL)),
		progress: ttlcache.New[string, entity.State](ttlcache.WithTTL[string, entity.State](cfg.ProgressTTL)),
	}
	s.engine = s.buildRouter()
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins the TTL caches' background eviction loops and the periodic
// drainer that flushes buffered progress events into the store and forwards
// them to every enabled backend. Call Stop on shutdown.
func (s *Server) Start(ctx context.Context) {
	go s.requests.Start()
	go s.progress.Start()
	go s.drainLoop(ctx)
}

// Stop releases the TTL caches' background goroutines and the rate
// limiter's cleanup goroutine.
func (s *Server) Stop() {
	s.requests.Stop()
	s.progress.Stop()
	if s.stopLimiter != nil {
		s.stopLimiter()
	}
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodPost, http.MethodPut},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	}))
	limiter, stop := middleware.RateLimit(s.cfg.RateLimitPerMinute)
	s.stopLimiter = stop
	r.Use(limiter)

	handle := func(c *gin.Context) { s.handleWebhook(c) }
	r.POST("/v1/api/backends/:name/webhook", handle)
	r.POST("/v1/api/backends/:name/webhook/", handle)
	r.PUT("/v1/api/backends/:name/webhook", handle)
	r.PUT("/v1/api/backends/:name/webhook/", handle)
	return r
}

// handleWebhook validates the backend name and caller identity, parses the
// vendor payload, and either drains it immediately (direct-to-store, low
// latency per spec §4.5) or discards a duplicate within the request TTL
// window.
func (s *Server) handleWebhook(c *gin.Context) {
	if !s.checkAPIKey(c) {
		return
	}

	name := c.Param("name")
	b, ok := s.backends[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown backend", "code": http.StatusNotFound})
		return
	}
	if !b.Enabled {
		c.JSON(http.StatusNotAcceptable, gin.H{"error": "import disabled for this backend", "code": http.StatusNotAcceptable})
		return
	}

	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body", "code": http.StatusBadRequest})
		return
	}
	webhookReq := adapter.WebhookRequest{ContentType: c.GetHeader("Content-Type"), Body: body}

	inspected := b.Adapter.InspectRequest(webhookReq)
	if inspected.OK && b.UserID != "" && inspected.Value.UserID != "" && !identityMatches(inspected.Value.UserID, b.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user identity mismatch", "code": http.StatusBadRequest})
		return
	}
	if inspected.OK && b.UUID != "" && inspected.Value.BackendID != "" && !identityMatches(inspected.Value.BackendID, b.UUID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "backend identity mismatch", "code": http.StatusBadRequest})
		return
	}

	parsed := b.Adapter.ParseWebhook(webhookReq)
	if !parsed.OK {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": parsed.Err.Message, "code": http.StatusUnprocessableEntity})
		return
	}

	itemID := itemKey(name, parsed.Value)
	if parsed.Value.Tainted {
		s.progress.Set(itemID, parsed.Value, ttlcache.DefaultTTL)
		c.JSON(http.StatusAccepted, gin.H{"status": "buffered"})
		return
	}

	if item := s.requests.Get(itemID); item != nil {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	s.requests.Set(itemID, struct{}{}, ttlcache.DefaultTTL)

	if _, _, err := s.mapper.Add(c.Request.Context(), parsed.Value); err != nil {
		s.logger.Error("webhook: commit failed", "backend", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to commit state", "code": http.StatusInternalServerError})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// itemKey builds the dedup/coalescing key for one event: the item's most
// specific identity pointer qualified by backend name (idtrans.Encode, so
// two backends reporting the same remote id never collide) plus the
// reported event name, so distinct event types for the same item don't
// collide either.
func itemKey(backend string, s entity.State) string {
	ptrs := s.Pointers()
	ptr := ""
	if len(ptrs) > 0 {
		ptr = ptrs[0]
	}
	event := ""
	if e, ok := s.Extra[backend]; ok {
		event = e.Event
	}
	return idtrans.Encode(backend, ptr) + ":" + event
}

// drainLoop periodically flushes buffered progress-only (tainted) events
// into the store and forwards them to every enabled backend (the reporting
// one included) so a
// pause/resume on one server nudges playback position elsewhere without
// waiting for the next scheduled Export (spec §4.8, §4.5 "low-latency
// direct-to-store path").
func (s *Server) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

func (s *Server) drainOnce(ctx context.Context) {
	items := s.progress.Items()
	if len(items) == 0 {
		return
	}
	states := make([]entity.State, 0, len(items))
	for key, item := range items {
		states = append(states, item.Value())
		s.progress.Delete(key)
	}

	var backends []orchestrator.Backend
	for _, b := range s.backends {
		if b.Enabled {
			backends = append(backends, orchestrator.Backend{Name: b.Name, Adapter: b.Adapter, ExportEnabled: true})
		}
	}

	for _, st := range states {
		if _, _, err := s.mapper.Add(ctx, st); err != nil {
			s.logger.Error("webhook: drain commit failed", "error", err)
		}
	}
	if len(backends) > 0 {
		s.orch.Progress(ctx, backends, states)
	}
}

func readBody(c *gin.Context) ([]byte, error) {
	defer func() { _ = c.Request.Body.Close() }()
	buf := make([]byte, 0, 4096)
	for {
		chunk := make([]byte, 4096)
		n, err := c.Request.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// checkAPIKey enforces the configured API key, comparing in constant time
// against the configured bcrypt hash. A blank hash disables the check
// (development mode).
func (s *Server) checkAPIKey(c *gin.Context) bool {
	if s.apiHash == "" {
		return true
	}
	key := c.GetHeader("Authorization")
	if key == "" {
		key = c.Query("apikey")
	}
	if key == "" || bcrypt.CompareHashAndPassword([]byte(s.apiHash), []byte(key)) != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key", "code": http.StatusUnauthorized})
		return false
	}
	return true
}

// HashAPIKey bcrypt-hashes a plaintext API key for storage in configuration.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// identityMatches compares a backend's reported server UUID against the
// configured one in constant time, so a webhook probe can't use response
// timing to brute-force the expected identifier.
func identityMatches(reported, configured string) bool {
	dr, errR := hex.DecodeString(reported)
	dc, errC := hex.DecodeString(configured)
	if errR != nil || errC != nil {
		return subtle.ConstantTimeCompare([]byte(reported), []byte(configured)) == 1
	}
	return subtle.ConstantTimeCompare(dr, dc) == 1
}

