// Package admin implements the loopback-only diagnostics HTTP surface:
// a liveness probe, Prometheus metrics exposition, read-only session
// export, and an administrative sweep trigger.
//
// Grounded on the example SDK's gin wiring in
// go-sdk/pkg/server/http_server.go's initializeGin/setupGinRoutes: a
// bare gin.New() (no default middleware bundle) plus gin.Recovery(),
// explicit route registration, and gin.H{} JSON handlers. This surface
// is deliberately small next to that SDK's multi-framework server: no
// CORS, no rate limiting, no agent endpoints, since it is never meant
// to face untrusted clients (bound to loopback only by the caller).
package admin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"github.com/ganaudit/auditor-mcp/internal/auditor"
	"github.com/ganaudit/auditor-mcp/internal/metrics"
	"github.com/ganaudit/auditor-mcp/internal/session"
)

// healthProbeTTL bounds how long a cached auditor-availability probe is
// reused before /healthz re-checks the executable (§12 supplement:
// "auditor health-probe caching with ~30s TTL" to avoid spawning a
// version-check subprocess on every liveness poll).
const healthProbeTTL = 30 * time.Second

// Server is the admin HTTP surface (§11.1).
type Server struct {
	router *gin.Engine
	store  *session.Store
	driver *auditor.Driver
	logger *zap.Logger

	probeMu      sync.Mutex
	probeAt      time.Time
	probeHealthy bool
}

// New constructs the admin router. m may be nil, in which case the
// /metrics route is not registered.
func New(store *session.Store, driver *auditor.Driver, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{router: gin.New(), store: store, driver: driver, logger: logger}
	s.router.Use(gin.Recovery())

	s.router.GET("/healthz", s.handleHealthz)
	if m != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
	s.router.GET("/admin/sessions/:id", s.handleExportSession)
	s.router.POST("/admin/sessions/:id/sweep", s.handleSweepOne)
	s.router.POST("/admin/sweep", s.handleSweepAll)

	return s
}

// Handler returns the http.Handler to bind to a loopback listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(c *gin.Context) {
	healthy := s.probeAuditor(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"auditor_available": healthy})
}

// probeAuditor reuses a cached result within healthProbeTTL rather than
// spawning the auditor's version-check subprocess on every poll.
func (s *Server) probeAuditor(ctx context.Context) bool {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	if time.Since(s.probeAt) < healthProbeTTL {
		return s.probeHealthy
	}
	s.probeHealthy = s.driver.IsAvailable(ctx)
	s.probeAt = time.Now()
	return s.probeHealthy
}

// handleExportSession serves a read-only dump of a session's durable
// state (§12 supplement), refusing export of nothing in particular
// beyond what Store.Read itself refuses (a missing or corrupt file).
func (s *Server) handleExportSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.store.Read(id)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleSweepOne is a placeholder admin affordance: §4.4's sweep acts
// over the whole state directory, not a single session, so a per-session
// sweep request only reports that session's is_complete flag rather than
// performing a scoped delete.
func (s *Server) handleSweepOne(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.store.Read(id)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "is_complete": sess.IsComplete})
}

func (s *Server) handleSweepAll(c *gin.Context) {
	removed, err := s.store.Sweep()
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func writeEngineError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.OfKind(err, apperrors.KindSessionNotFound):
		status = http.StatusNotFound
	case apperrors.OfKind(err, apperrors.KindSessionCorrupt):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
