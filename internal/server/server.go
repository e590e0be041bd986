// Package server is the admin HTTP surface of a group member.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/danmuck/viewsync/internal/node"
	"github.com/danmuck/viewsync/internal/observability"
	"github.com/danmuck/viewsync/internal/viewsync"
)

// Controller is the part of a running member the admin surface drives.
type Controller interface {
	ID() viewsync.ProcessID
	Status() node.Status
	Multicast(ctx context.Context, header, content string) error
	ProposeView(ctx context.Context, view viewsync.View) error
}

type Config struct {
	Addr           string
	CorsOrigins    []string
	RequestTimeout time.Duration
}

type Admin struct {
	cfg       Config
	ctrl      Controller
	logger    zerolog.Logger
	router    *gin.Engine
	startedAt time.Time
}

func New(cfg Config, ctrl Controller, logger zerolog.Logger) *Admin {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	a := &Admin{
		cfg:       cfg,
		ctrl:      ctrl,
		logger:    logger.With().Str("component", "admin").Logger(),
		router:    gin.New(),
		startedAt: time.Now(),
	}
	nodeLabel := strconv.Itoa(int(ctrl.ID()))
	a.router.Use(gin.Recovery())
	a.router.Use(observability.RequestLogger(a.logger))
	a.router.Use(observability.RequestMetricsMiddleware(nodeLabel))
	if len(cfg.CorsOrigins) > 0 {
		a.router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	observability.RegisterMetrics()
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

// Serve listens on cfg.Addr until ctx is cancelled.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.cfg.Addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

