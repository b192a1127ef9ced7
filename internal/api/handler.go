// Package api exposes the operator actions over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"quotawarden/internal/admin"
	"quotawarden/internal/engine"
	"quotawarden/internal/export"
	"quotawarden/internal/observability"
	"quotawarden/internal/opstore"
	"quotawarden/internal/store"
)

type Options struct {
	APIKey       string
	AllowOrigins []string
	// RateLimit is requests per second per client on /api; zero disables it.
	RateLimit float64
	RateBurst int
	// Ready backs /readyz; nil always reports ready.
	Ready       func(ctx context.Context) error
	Enforcement *observability.EnforcementObserver
	Uploader    *export.Uploader
	Logger      logrus.FieldLogger
}

type Handler struct {
	Admin *admin.Service
	Now   func() time.Time

	opts   Options
	logger logrus.FieldLogger
}

func NewHandler(svc *admin.Service, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{Admin: svc, Now: time.Now, opts: opts, logger: logger}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	corsCfg := cors.DefaultConfig()
	if len(h.opts.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = h.opts.AllowOrigins
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "X-API-Key"}
	r.Use(cors.New(corsCfg))

	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/readyz", h.handleReady)

	api := r.Group("/api")
	if h.opts.RateLimit > 0 {
		api.Use(rateLimit(h.opts.RateLimit, h.opts.RateBurst))
	}
	api.Use(h.requireAPIKey())
	{
		api.GET("/users", h.handleUsers)
		api.GET("/stats", h.handleStats)
		api.GET("/notifications", h.handleNotifications)
		api.GET("/enforcement", h.handleEnforcement)
		api.GET("/payment-history/:email", h.handlePaymentHistory)
		api.GET("/export", h.handleExport)

		api.POST("/toggle-user", h.handleToggle)
		api.POST("/update-user-settings", h.handleUpdateSettings)
		api.POST("/move-to-folder", h.handleMoveFolder)
		api.POST("/update-user-note", h.handleUpdateNote)
		api.POST("/add-payment", h.handleAddPayment)
		api.POST("/reset-usage", h.handleResetUsage)
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond),
		}).Debug("request")
	}
}

func (h *Handler) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.opts.APIKey == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	var engineErr *engine.EngineControlError
	switch {
	case errors.Is(err, opstore.ErrAccountNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, opstore.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, admin.ErrInvalidInput), errors.Is(err, admin.ErrInvalidFolder), errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.As(err, &engineErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
}

func (h *Handler) handleReady(c *gin.Context) {
	if h.opts.Ready != nil {
		if err := h.opts.Ready(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	c.String(http.StatusOK, "ready")
}

func (h *Handler) handleUsers(c *gin.Context) {
	listing, err := h.Admin.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *Handler) handleStats(c *gin.Context) {
	stats, err := h.Admin.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) handleNotifications(c *gin.Context) {
	notes, err := h.Admin.Notifications(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

func (h *Handler) handleEnforcement(c *gin.Context) {
	c.JSON(http.StatusOK, h.opts.Enforcement.Stats())
}

type toggleRequest struct {
	Email  string `json:"email" binding:"required"`
	Enable *bool  `json:"enable"`
}

// handleToggle sets the flag when "enable" is given and flips it otherwise.
func (h *Handler) handleToggle(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	var (
		enabled bool
		err     error
	)
	if req.Enable != nil {
		enabled = *req.Enable
		err = h.Admin.SetEnabled(ctx, req.Email, enabled)
	} else {
		enabled, err = h.Admin.Toggle(ctx, req.Email)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": enabled})
}

func (h *Handler) handleUpdateSettings(c *gin.Context) {
	var req admin.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.Admin.UpdateSettings(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

type folderRequest struct {
	Email  string `json:"email" binding:"required"`
	Folder string `json:"folder" binding:"required"`
}

func (h *Handler) handleMoveFolder(c *gin.Context) {
	var req folderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	rec, err := h.Admin.MoveFolder(c.Request.Context(), req.Email, req.Folder)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "record": rec})
}

type noteRequest struct {
	Email string `json:"email" binding:"required"`
	Note  string `json:"note"`
}

func (h *Handler) handleUpdateNote(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	rec, err := h.Admin.UpdateNote(c.Request.Context(), req.Email, req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "record": rec})
}

func (h *Handler) handleAddPayment(c *gin.Context) {
	var req admin.PaymentInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.Admin.RecordPayment(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

func (h *Handler) handlePaymentHistory(c *gin.Context) {
	history, err := h.Admin.PaymentHistory(c.Request.Context(), c.Param("email"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

type resetRequest struct {
	Email string `json:"email" binding:"required"`
	Mode  string `json:"mode"`
}

func (h *Handler) handleResetUsage(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	var mode *opstore.ResetMode
	if req.Mode != "" {
		m, err := opstore.ParseResetMode(req.Mode)
		if err != nil {
			h.badRequest(c, err)
			return
		}
		mode = &m
	}
	archived, err := h.Admin.ResetUsage(c.Request.Context(), req.Email, mode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "archived_bytes": archived})
}

// handleExport streams the report, or stores it in the bucket when
// upload=true and an uploader is configured.
func (h *Handler) handleExport(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	listing, err := h.Admin.List(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	now := h.Now()

	if upload, _ := strconv.ParseBool(c.Query("upload")); upload {
		if h.opts.Uploader == nil {
			h.badRequest(c, errors.New("object storage is not configured"))
			return
		}
		key, err := h.opts.Uploader.Upload(ctx, format, listing.Accounts, now)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "object": key})
		return
	}

	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", export.Filename(format, now)))
	c.Status(http.StatusOK)
	if err := export.Write(c.Writer, format, listing.Accounts); err != nil {
		h.logger.WithError(err).Error("export failed mid-stream")
	}
}
