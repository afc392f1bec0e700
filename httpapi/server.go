package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/sqldojo/sqldojo/sandbox"
)

// Server exposes the sandbox orchestrator over REST.
type Server struct {
	echo   *echo.Echo
	logger *zap.Logger
	orch   *sandbox.Orchestrator
	port   int
}

// New creates the API server with all routes configured.
func New(logger *zap.Logger, orch *sandbox.Orchestrator, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		logger: logger,
		orch:   orch,
		port:   port,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1/sandbox")
	api.POST("/create", s.createSandbox)
	api.POST("/:id/execute", s.executeQuery)
	api.GET("/:id/status", s.getStatus)
	api.DELETE("/:id", s.destroySandbox)
	api.POST("/cleanup", s.cleanupExpired)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%d", s.port))
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type createRequest struct {
	UserID   int64 `json:"user_id"`
	LessonID int64 `json:"lesson_id"`
}

type executeRequest struct {
	Query                   string `json:"query"`
	ValidateAgainstExpected bool   `json:"validate_against_expected"`
}

type destroyResponse struct {
	SandboxID   string         `json:"sandbox_id"`
	Status      sandbox.Status `json:"status"`
	DestroyedAt time.Time      `json:"destroyed_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createSandbox(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
	}
	if req.UserID <= 0 || req.LessonID <= 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "user_id and lesson_id are required"})
	}

	sb, err := s.orch.CreateSandbox(c.Request().Context(), req.UserID, req.LessonID)
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, sb)
}

func (s *Server) executeQuery(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
	}

	id := c.Param("id")
	ctx := c.Request().Context()

	if req.ValidateAgainstExpected {
		outcome, err := s.orch.CheckQuery(ctx, id, req.Query)
		if err != nil {
			return s.errorJSON(c, err)
		}
		return c.JSON(http.StatusOK, outcome)
	}

	result, err := s.orch.ExecuteQuery(ctx, id, req.Query)
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, sandbox.QueryOutcome{
		Passed:      true,
		Result:      result,
		Differences: []string{},
		Message:     "query executed successfully",
	})
}

func (s *Server) getStatus(c echo.Context) error {
	sb, err := s.orch.GetStatus(c.Param("id"))
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, sb)
}

func (s *Server) destroySandbox(c echo.Context) error {
	sb, err := s.orch.DestroySandbox(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, destroyResponse{
		SandboxID:   sb.ID,
		Status:      sandbox.StatusDestroyed,
		DestroyedAt: time.Now().UTC(),
	})
}

func (s *Server) cleanupExpired(c echo.Context) error {
	result := s.orch.CleanupExpired(c.Request().Context())
	return c.JSON(http.StatusOK, result)
}

// errorJSON maps the sandbox error taxonomy onto HTTP statuses. Messages are
// already sanitized by the time they reach this layer.
func (s *Server) errorJSON(c echo.Context, err error) error {
	var validationErr *sandbox.ValidationError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.Is(err, sandbox.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, sandbox.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sandbox.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, sandbox.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, sandbox.ErrTimedOut):
		status = http.StatusRequestTimeout
	case errors.Is(err, sandbox.ErrServiceDisabled):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}
