// Package httpapi exposes the sync trigger surface over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-sentinel/internal/auth"
	mailsync "github.com/Martian-dev/inbox-sentinel/internal/sync"
)

const identityKey = "identity"

// Syncer runs sync passes.
type Syncer interface {
	RunDue(ctx context.Context, trigger mailsync.Trigger) (*mailsync.RunSummary, error)
	RunTenant(ctx context.Context, tenantID string, trigger mailsync.Trigger) (*mailsync.RunSummary, error)
}

// Limiter gates on-demand syncs per tenant.
type Limiter interface {
	Allow(key string) bool
	Window() time.Duration
}

// Server holds the HTTP handlers' collaborators
type Server struct {
	syncer     Syncer
	sessions   auth.SessionVerifier
	cronSecret string
	limiter    Limiter
	log        *logrus.Logger
}

// NewServer creates the HTTP server. limiter may be nil.
func NewServer(syncer Syncer, sessions auth.SessionVerifier, cronSecret string, limiter Limiter, log *logrus.Logger) *Server {
	return &Server{
		syncer:     syncer,
		sessions:   sessions,
		cronSecret: cronSecret,
		limiter:    limiter,
		log:        log,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	cron := r.Group("/api/cron")
	cron.Use(s.cronAuth())
	cron.GET("/sync", s.handleCronSync)
	cron.POST("/sync", s.handleCronSync)

	authorized := r.Group("/api/integrations")
	authorized.Use(s.sessionAuth())
	authorized.POST("/sync", s.handleTenantSync)

	return r
}

func (s *Server) handleCronSync(c *gin.Context) {
	summary, err := s.syncer.RunDue(c.Request.Context(), mailsync.TriggerCron)
	if err != nil {
		s.runFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleTenantSync(c *gin.Context) {
	id := c.MustGet(identityKey).(*auth.Identity)

	if s.limiter != nil && !s.limiter.Allow(id.TenantID) {
		retryAfter := int(math.Ceil(s.limiter.Window().Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "rate limit exceeded"})
		return
	}

	summary, err := s.syncer.RunTenant(c.Request.Context(), id.TenantID, mailsync.TriggerOnDemand)
	if err != nil {
		s.runFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) runFailed(c *gin.Context, err error) {
	s.log.WithError(err).Error("sync run failed")
	msg := "sync run failed"
	if errors.Is(err, mailsync.ErrDiscovery) {
		msg = mailsync.ErrDiscovery.Error()
	}
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": msg})
}

// cronAuth requires the shared scheduler secret as a bearer token.
func (s *Server) cronAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.Request)
		if !ok || s.cronSecret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cronSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) sessionAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.sessions == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, err := s.sessions.Identify(c.Request)
		if err != nil {
			s.log.WithError(err).Debug("session rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Info("request")
	}
}
