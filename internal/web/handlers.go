package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/retry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateStoryRequest is the request body for POST /api/v1/stories.
type CreateStoryRequest struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Codebase string `json:"codebase"`
}

// StoryResponse is a story with its derived status and tasks.
type StoryResponse struct {
	pipeline.Story
	Status pipeline.StoryStatus `json:"status"`
	Tasks  []pipeline.Task      `json:"tasks,omitempty"`
}

// StartRequest is the request body for POST .../pipeline/start.
type StartRequest struct {
	AutoApproveAll bool `json:"auto_approve_all"`
}

// ApproveRequest is the request body for POST .../pipeline/approve.
type ApproveRequest struct {
	Phase    string `json:"phase"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// RetryRequest is the request body for POST .../pipeline/retry.
type RetryRequest struct {
	Action  string `json:"action"`
	Comment string `json:"comment"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateStory(c echo.Context) error {
	var req CreateStoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title field is required")
	}
	story, err := s.orch.CreateStory(c.Request().Context(), req.Title, req.Content, req.Codebase)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, StoryResponse{Story: *story, Status: pipeline.StatusNotStarted})
}

func (s *Server) handleListStories(c echo.Context) error {
	stories, err := s.store.ListStories()
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]StoryResponse, 0, len(stories))
	for _, story := range stories {
		status, err := s.store.Status(story.ID)
		if err != nil {
			continue
		}
		out = append(out, StoryResponse{Story: story, Status: status})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetStory(c echo.Context) error {
	id := c.Param("id")
	story, err := s.store.GetStory(id)
	if err != nil {
		return s.fail(c, err)
	}
	status, err := s.store.Status(id)
	if err != nil {
		return s.fail(c, err)
	}
	tasks, err := s.store.GetTasks(id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, StoryResponse{Story: *story, Status: status, Tasks: tasks})
}

func (s *Server) handleDeleteStory(c echo.Context) error {
	if err := s.orch.DeleteStory(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetStory(id); err != nil {
		return s.fail(c, err)
	}
	events, err := s.orch.Events(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, events)
}

// handleStats accepts an optional since duration, e.g. ?since=168h.
func (s *Server) handleStats(c echo.Context) error {
	var since time.Time
	if v := c.QueryParam("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a positive duration")
		}
		since = time.Now().Add(-d)
	}
	report, err := s.orch.Stats(c.Request().Context(), since)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// handleStatus never writes; polling it is safe.
func (s *Server) handleStatus(c echo.Context) error {
	snap, err := s.orch.Status(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.reply(c)(s.orch.StartPipeline(c.Request().Context(), c.Param("id"), req.AutoApproveAll))
}

func (s *Server) handleApprove(c echo.Context) error {
	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	phase, err := pipeline.ParsePhase(req.Phase)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return s.reply(c)(s.orch.ApprovePhase(c.Request().Context(), c.Param("id"), phase, req.Approved, req.Comment))
}

func (s *Server) handleRetry(c echo.Context) error {
	var req RetryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	action, err := pipeline.ParseRetryAction(req.Action)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return s.reply(c)(s.orch.ApproveRetry(c.Request().Context(), c.Param("id"), action, req.Comment))
}

func (s *Server) handleResume(c echo.Context) error {
	return s.reply(c)(s.orch.ResumePipeline(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleCancel(c echo.Context) error {
	return s.reply(c)(s.orch.CancelPipeline(c.Request().Context(), c.Param("id")))
}

// reply writes the snapshot a command returned, or maps its error.
func (s *Server) reply(c echo.Context) func(*orchestrator.Snapshot, error) error {
	return func(snap *orchestrator.Snapshot, err error) error {
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, snap)
	}
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrNotWaitingApproval),
		errors.Is(err, orchestrator.ErrNotWaitingRetry),
		errors.Is(err, orchestrator.ErrPipelineFinished),
		errors.Is(err, orchestrator.ErrAwaitingDecision):
		code = http.StatusConflict
	case errors.Is(err, retry.ErrActionNotAllowed):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err),
		)
	}
	return echo.NewHTTPError(code, err.Error())
}
