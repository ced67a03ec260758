// Package api exposes tenant lifecycle, on-demand sync and the synced
// mailbox replica over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/andyy0123/inbox-connector/internal/auth"
	"github.com/andyy0123/inbox-connector/internal/sync"
	"github.com/andyy0123/inbox-connector/internal/tenant"
)

// Tenants is the tenant lifecycle used by the API.
type Tenants interface {
	Init(ctx context.Context, req tenant.Request) (*tenant.InitResult, error)
	UpdateCredentials(ctx context.Context, req tenant.Request) error
	Delete(ctx context.Context, tenantID string) error
	DeriveNamespace(tenantID string) string
}

// Verifier authenticates API callers.
type Verifier interface {
	PrincipalFromRequest(r *http.Request) (*auth.Principal, error)
}

type Options struct {
	// Verifier enables bearer authentication when set.
	Verifier Verifier
	Logger   *logrus.Entry
}

type Server struct {
	store    sync.Store
	tenants  Tenants
	engine   *sync.Engine
	verifier Verifier
	log      *logrus.Entry
	started  time.Time
}

func NewServer(st sync.Store, tenants Tenants, engine *sync.Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("pkg", "api")
	}

	return &Server{
		store:    st,
		tenants:  tenants,
		engine:   engine,
		verifier: opts.Verifier,
		log:      log,
		started:  time.Now(),
	}
}

// Handler builds the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)

	authorized := r.Group("/")
	if s.verifier != nil {
		authorized.Use(s.authMiddleware())
	}

	authorized.POST("/tenant/init", s.initTenant)
	authorized.PUT("/tenant/update", s.updateTenant)

	t := authorized.Group("/tenant/:tenant_id", s.tenantAccess())
	t.DELETE("", s.deleteTenant)
	t.POST("/sync", s.syncTenant)
	t.GET("/users", s.listUsers)

	mails := t.Group("/users/:user_id/mails")
	mails.GET("", s.listMails)
	mails.GET("/:message_id", s.getMail)
	mails.DELETE("/:message_id", s.deleteMail)
	mails.GET("/:message_id/attachments", s.listAttachments)
	mails.DELETE("/:message_id/attachments/:attachment_id", s.deleteAttachment)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if tenantID := c.Param("tenant_id"); tenantID != "" {
			entry = entry.WithField("tenant", tenantID)
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}

const principalKey = "principal"

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.verifier.PrincipalFromRequest(c.Request)
		if err != nil {
			s.log.WithError(err).Debug("Rejected bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "invalid or missing bearer token"))
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

// tenantAccess rejects tokens scoped to other tenants.
func (s *Server) tenantAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorize(c, c.Param("tenant_id")) {
			return
		}
		c.Next()
	}
}

func (s *Server) authorize(c *gin.Context, tenantID string) bool {
	v, ok := c.Get(principalKey)
	if !ok {
		return true
	}

	if p := v.(*auth.Principal); !p.CanAccess(tenantID) {
		fail(c, auth.ErrForbiddenTenant)
		return false
	}
	return true
}
