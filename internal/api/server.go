// Package api exposes the trust case operations over HTTP with gin.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"trustcase-svc/internal/auth"
	"trustcase-svc/internal/engine"
	"trustcase-svc/internal/lifecycle"
	"trustcase-svc/internal/notify"
	"trustcase-svc/internal/upgrade"
)

// Options holds the HTTP-facing settings.
type Options struct {
	AllowedOrigins []string
	CookieSecure   bool
	CookieDomain   string
}

// Deps are the components the handlers call.
type Deps struct {
	Engine    *engine.Engine
	Lifecycle *lifecycle.Manager
	Upgrade   *upgrade.Service
	Resolver  *notify.Resolver
	Auth      *auth.Authenticator
	Logger    *slog.Logger
}

// Server holds the handlers' dependencies.
type Server struct {
	engine    *engine.Engine
	lifecycle *lifecycle.Manager
	upgrade   *upgrade.Service
	resolver  *notify.Resolver
	auth      *auth.Authenticator
	log       *slog.Logger
	opts      Options
}

// NewServer returns a Server.
func NewServer(d Deps, opts Options) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:    d.Engine,
		lifecycle: d.Lifecycle,
		upgrade:   d.Upgrade,
		resolver:  d.Resolver,
		auth:      d.Auth,
		log:       log,
		opts:      opts,
	}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestID())
	r.Use(accessLog(s.log))
	r.Use(gin.CustomRecovery(s.recover))
	r.Use(corsMiddleware(s.opts.AllowedOrigins))

	r.GET("/health", handleHealth)

	api := r.Group("/api/trust")
	{
		api.POST("/upgrade", s.authenticate(credentialOnly), s.handleUpgrade)

		cases := api.Group("/cases/:caseId")
		{
			cases.GET("", s.authenticate(credentialOnly), s.handleStatus)
			cases.POST("/submit", s.authenticate(credentialOnly), s.handleSubmit)
			cases.POST("/confirm", s.authenticate(credentialOnly), s.handleConfirm)
			cases.POST("/checklist", s.authenticate(credentialOnly), s.handleChecklist)
			cases.POST("/payment", s.authenticate(credentialOnly), s.handlePayment)
			cases.POST("/supplements", s.authenticate(credentialOnly), s.handleSupplement)
			cases.POST("/reset", s.authenticate(credentialOrSystemKey), s.handleReset)
			cases.POST("/wake", s.authenticate(credentialOrSystemKey), s.handleWake)
			cases.POST("/close", s.authenticate(credentialOrSystemKey), s.handleClose)
		}
	}

	internal := r.Group("/internal/trust")
	{
		internal.GET("/cases/:caseId/notify-target", s.authenticate(systemKeyOnly), s.handleNotifyTarget)
	}

	r.NoRoute(func(c *gin.Context) {
		writeError(c, s.log, notFoundRoute(c))
	})

	return r
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) recover(c *gin.Context, rec any) {
	s.log.Error("panic in handler", "path", c.Request.URL.Path, "panic", rec)
	writeError(c, s.log, panicError(rec))
	c.Abort()
}
