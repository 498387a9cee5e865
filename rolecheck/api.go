package rolecheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPathStatus      = "/api/status"
	apiPathSessions    = "/api/sessions"
	apiPathSession     = "/api/sessions/:user_id"
	apiPathReload      = "/api/questions/reload"
	apiPathCompletions = "/api/completions"
	apiPathCompletion  = "/api/completions/:user_id"
	apiPathAudit       = "/api/audit"

	apiDefaultAuditLimit = 50
	apiMaxAuditLimit     = 500
)

// API is the loopback operator HTTP surface. It has no auth of its own,
// which is why the default listen address is 127.0.0.1.
type API struct {
	config     *APIConfig
	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
	handlers   *apiHandlers
}

// apiHandlers holds the request handlers and their view of the app.
type apiHandlers struct {
	wk     *Wankoro
	logger *slog.Logger
}

func newAPI(wk *Wankoro, config *APIConfig) (*API, error) {
	if config == nil || config.Listen == "" {
		return nil, errors.New("api listen address required")
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")
	handlers := &apiHandlers{wk: wk, logger: logger}

	api := &API{
		config:   config,
		router:   r,
		logger:   logger,
		handlers: handlers,
		httpServer: &http.Server{
			Addr:              config.Listen,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	r.Use(gin.Recovery(), ginLoggingMiddleware(logger))

	r.GET(apiPathStatus, handlers.getStatus)
	r.GET(apiPathSessions, handlers.getSessions)
	r.POST(apiPathSession, handlers.startDiagnostic)
	r.DELETE(apiPathSession, handlers.cancelDiagnostic)
	r.DELETE(apiPathSessions, handlers.cancelAllDiagnostics)
	r.POST(apiPathReload, handlers.reloadQuestions)
	r.GET(apiPathCompletion, handlers.getCompletion)
	r.DELETE(apiPathCompletion, handlers.removeCompletion)
	r.DELETE(apiPathCompletions, handlers.resetCompletions)
	r.GET(apiPathAudit, handlers.getAudit)

	return api, nil
}

// Serve listens on the configured address and serves until the server is
// shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, "tcp", a.config.Listen)
		if err != nil {
			return err
		}
		a.listener = ln
	}
	a.logger.Info("operator API listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// ginLoggingMiddleware logs each request's method, path, status and
// duration.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e)
		}
		if len(errs) > 0 {
			logger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				"status_code", c.Writer.Status(),
			)
			return
		}
		logger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			"status_code", c.Writer.Status(),
		)
	}
}

// getStatus reports overall bot state.
func (h *apiHandlers) getStatus(c *gin.Context) {
	status := gin.H{
		"connected":       h.wk.discord.connected.Load(),
		"active_sessions": h.wk.engine.ActiveSessionCount(),
		"question_count":  h.wk.engine.QuestionCount(),
		"max_score":       h.wk.engine.MaxScore(),
		"completions":     h.wk.ledger.Len(),
	}
	if !h.wk.startedAt.IsZero() {
		status["uptime"] = time.Since(h.wk.startedAt).String()
	}
	c.JSON(http.StatusOK, status)
}

// getSessions lists active diagnostic sessions.
func (h *apiHandlers) getSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.wk.engine.ActiveSessions()})
}

type startDiagnosticRequest struct {
	InvokerID   string `json:"invoker_id"`
	InvokerName string `json:"invoker_name"`
	Force       bool   `json:"force"`
}

// startDiagnostic starts a diagnostic for the path user, same as the
// `/rolecheck` slash command.
func (h *apiHandlers) startDiagnostic(c *gin.Context) {
	userID := c.Param("user_id")
	var req startDiagnosticRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.InvokerName == "" {
		req.InvokerName = "operator-api"
	}

	err := h.wk.engine.StartDiagnostic(
		c.Request.Context(),
		UserRef{ID: userID},
		UserRef{ID: req.InvokerID, Name: req.InvokerName},
		req.Force,
	)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"user_id": userID})
	case errors.Is(err, ErrAlreadyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAlreadyCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("error starting diagnostic", "user_id", userID, tint.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// cancelDiagnostic cancels the path user's active session.
func (h *apiHandlers) cancelDiagnostic(c *gin.Context) {
	userID := c.Param("user_id")
	reason := c.DefaultQuery("reason", "operator cancel")
	if h.wk.engine.CancelDiagnostic(
		c.Request.Context(), userID, reason, UserRef{Name: "operator-api"},
	) {
		c.JSON(http.StatusOK, gin.H{"cancelled": userID})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
}

// cancelAllDiagnostics cancels every active session.
func (h *apiHandlers) cancelAllDiagnostics(c *gin.Context) {
	reason := c.DefaultQuery("reason", "operator cancel")
	count := h.wk.engine.CancelAllDiagnostics(
		c.Request.Context(), reason, UserRef{Name: "operator-api"},
	)
	c.JSON(http.StatusOK, gin.H{"cancelled": count})
}

// reloadQuestions re-reads the question catalogue, same as the
// `/rolecheck_reload` slash command.
func (h *apiHandlers) reloadQuestions(c *gin.Context) {
	count, maxScore, err := h.wk.engine.ReloadQuestionSet(c.Request.Context())
	switch {
	case errors.Is(err, ErrReloadBlocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"count": count, "max_score": maxScore})
	}
}

// getCompletion returns the path user's completion record.
func (h *apiHandlers) getCompletion(c *gin.Context) {
	userID := c.Param("user_id")
	rec, ok := h.wk.ledger.Get(userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no completion record"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// removeCompletion deletes the path user's completion record, allowing
// them to be diagnosed again without force.
func (h *apiHandlers) removeCompletion(c *gin.Context) {
	userID := c.Param("user_id")
	removed, err := h.wk.ledger.Remove(userID)
	if err != nil {
		h.logger.Error("error removing completion", "user_id", userID, tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "no completion record"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": userID})
}

// resetCompletions clears the entire completion ledger.
func (h *apiHandlers) resetCompletions(c *gin.Context) {
	count, err := h.wk.ledger.Reset()
	if err != nil {
		h.logger.Error("error resetting ledger", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": count})
}

// getAudit returns recent diagnostic audit rows, newest first.
func (h *apiHandlers) getAudit(c *gin.Context) {
	limit := apiDefaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > apiMaxAuditLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = v
	}
	rows, err := h.wk.audit.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("error reading audit rows", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}
