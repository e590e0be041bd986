package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/viewsync/internal/viewsync"
)

type multicastRequest struct {
	Header  string `json:"header"`
	Content string `json:"content"`
}

type viewRequest struct {
	View []bool `json:"view"`
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.startedAt).String(),
			"service": "viewsync",
		})
	})
	a.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.ctrl.Status())
	})
	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	a.router.POST("/multicast", a.handleMulticast)
	a.router.POST("/view", a.handleView)
}

func (a *Admin) handleMulticast(c *gin.Context) {
	var req multicastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Header == "" {
		req.Header = "data"
	}
	ctx, cancel := withTimeout(c, a.cfg.RequestTimeout)
	defer cancel()
	if err := a.ctrl.Multicast(ctx, req.Header, req.Content); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (a *Admin) handleView(c *gin.Context) {
	var req viewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := withTimeout(c, a.cfg.RequestTimeout)
	defer cancel()
	if err := a.ctrl.ProposeView(ctx, viewsync.View(req.View)); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "proposed"})
}

func (a *Admin) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, viewsync.ErrNotActive):
		status = http.StatusConflict
	case errors.Is(err, viewsync.ErrNotCoordinator):
		status = http.StatusForbidden
	case errors.Is(err, viewsync.ErrInvalidView):
		status = http.StatusBadRequest
	case errors.Is(err, viewsync.ErrMessageTooLarge):
		status = http.StatusRequestEntityTooLarge
	default:
		a.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func withTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
