// Package api exposes the HTTP control surface of the bridge.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KafClaw/wabridge/internal/config"
	"github.com/KafClaw/wabridge/internal/message"
	"github.com/KafClaw/wabridge/internal/supervisor"
)

const defaultBodyLimit = 15 << 20

// Options wires a Server. Supervisor and Builder are required.
type Options struct {
	Supervisor *supervisor.Supervisor
	Builder    *message.Builder
	Gateway    config.GatewayConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server routes HTTP requests to the supervisor and group services.
type Server struct {
	sup       *supervisor.Supervisor
	builder   *message.Builder
	log       *slog.Logger
	now       func() time.Time
	started   time.Time
	token     string
	bodyLimit int64
	addr      string
	engine    *gin.Engine
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := opts.Gateway.BodyLimitBytes
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	s := &Server{
		sup:       opts.Supervisor,
		builder:   opts.Builder,
		log:       opts.Logger,
		now:       opts.Now,
		started:   opts.Now(),
		token:     opts.Gateway.AuthToken,
		bodyLimit: limit,
		addr:      fmt.Sprintf("%s:%d", opts.Gateway.Host, opts.Gateway.Port),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the configured gin engine.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.cidMiddleware(), s.otelMiddleware(), s.logMiddleware(), s.bodyLimitMiddleware())

	r.GET("/health", s.health)

	auth := r.Group("/", s.authMiddleware())
	auth.GET("/status", s.statusAll)
	auth.GET("/status/:instanceId", s.status)
	auth.GET("/qr/:instanceId", s.qr)
	auth.POST("/connect/:instanceId", s.connect)
	auth.POST("/disconnect/:instanceId", s.disconnect)
	auth.POST("/send/:instanceId", s.send)

	g := auth.Group("/groups/:instanceId")
	g.GET("", s.listGroups)
	g.POST("", s.createGroup)
	g.GET("/:groupId", s.getGroup)
	g.POST("/:groupId/participants", s.updateParticipants)
	g.PATCH("/:groupId/subject", s.setSubject)
	g.PATCH("/:groupId/description", s.setDescription)
	g.PATCH("/:groupId/settings", s.setSettings)
	g.POST("/:groupId/leave", s.leaveGroup)
	g.GET("/:groupId/invite-code", s.inviteCode)
	g.POST("/:groupId/revoke-invite", s.revokeInvite)
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
