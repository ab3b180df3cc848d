package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/session"
	"github.com/remote-agent-terminal/agentrelay/internal/ws"
)

// SessionHandler handles HTTP requests for agent sessions.
type SessionHandler struct {
	sessions *session.Registry
	logDir   string
	log      *slog.Logger
}

// NewSessionHandler creates a new SessionHandler. logDir is where PTY
// recordings are written; empty disables the recording endpoint.
func NewSessionHandler(sessions *session.Registry, logDir string, log *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logDir:   logDir,
		log:      logger.OrDefault(log).With("component", "api"),
	}
}

// SessionDetailResponse is a stored session with its history.
type SessionDetailResponse struct {
	Session  *model.Session   `json:"session"`
	Messages []*model.Message `json:"messages"`
}

// ResumeResponse is returned by Resume.
type ResumeResponse = ws.SessionResumed

// ValidateDirectoryRequest is the body of ValidateDirectory.
type ValidateDirectoryRequest struct {
	Directory string `json:"directory"`
}

// ValidateDirectoryResponse reports whether a directory can host a session.
type ValidateDirectoryResponse struct {
	Valid     bool   `json:"valid"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
	CanCreate bool   `json:"can_create,omitempty"`
}

// manager resolves the :agent parameter, writing the error response when
// the agent is unknown.
func (h *SessionHandler) manager(c *gin.Context) (*session.Manager, bool) {
	mgr, err := h.sessions.GetOrCreate(c.Param("agent"))
	if err != nil {
		sendErr(c, err)
		return nil, false
	}
	return mgr, true
}

// Status handles GET /api/status/:agent.
func (h *SessionHandler) Status(c *gin.Context) {
	mgr, ok := h.manager(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, mgr.Status())
}

// StatusAll handles GET /api/status - the status of every known agent.
func (h *SessionHandler) StatusAll(c *gin.Context) {
	all := make(map[string]session.Status)
	for _, name := range h.sessions.Catalog().Names() {
		mgr, err := h.sessions.GetOrCreate(name)
		if err != nil {
			continue
		}
		all[name] = mgr.Status()
	}
	c.JSON(http.StatusOK, all)
}

// List handles GET /api/sessions/:agent - stored sessions, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	mgr, ok := h.manager(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}

	sessions, err := mgr.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		h.log.Error("failed to list sessions", "agent_type", mgr.AgentType(), "error", err)
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// ListAll handles GET /api/sessions - stored sessions grouped by agent.
func (h *SessionHandler) ListAll(c *gin.Context) {
	all := make(map[string][]*model.Session)
	for _, name := range h.sessions.Catalog().Names() {
		mgr, err := h.sessions.GetOrCreate(name)
		if err != nil {
			continue
		}
		sessions, err := mgr.ListSessions(c.Request.Context(), 0, 0)
		if err != nil {
			h.log.Error("failed to list sessions", "agent_type", name, "error", err)
			sessions = []*model.Session{}
		}
		all[name] = sessions
	}
	c.JSON(http.StatusOK, all)
}

// Get handles GET /api/sessions/:agent/:id - a session and its messages.
func (h *SessionHandler) Get(c *gin.Context) {
	mgr, ok := h.manager(c)
	if !ok {
		return
	}
	sess, msgs, err := mgr.SessionDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendErr(c, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	c.JSON(http.StatusOK, SessionDetailResponse{Session: sess, Messages: msgs})
}

// Delete handles DELETE /api/sessions/:agent/:id.
func (h *SessionHandler) Delete(c *gin.Context) {
	mgr, ok := h.manager(c)
	if !ok {
		return
	}
	if err := mgr.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		sendErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resume handles POST /api/sessions/:agent/:id/resume. The session picks up
// in its stored working directory with its stored resume token.
func (h *SessionHandler) Resume(c *gin.Context) {
	mgr, ok := h.manager(c)
	if !ok {
		return
	}
	res, err := mgr.Resume(c.Request.Context(), c.Param("id"), "", "")
	if err != nil {
		code := model.Code(err)
		c.JSON(statusFor(code), ResumeResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ResumeResponse{
		Success:          true,
		SessionID:        res.Session.ID,
		SessionName:      res.Session.Name,
		WorkingDirectory: res.Session.WorkingDirectory,
		AgentSessionID:   res.Session.AgentSessionID,
		MessageCount:     res.MessageCount,
		History:          res.History,
	})
}

// Recording handles GET /api/sessions/:agent/:id/recording - downloads the
// asciicast transcript of a PTY session.
func (h *SessionHandler) Recording(c *gin.Context) {
	mgr, ok := h.manager(c)
	if !ok {
		return
	}
	sessionID := c.Param("id")
	if _, _, err := mgr.SessionDetail(c.Request.Context(), sessionID); err != nil {
		sendErr(c, err)
		return
	}

	if h.logDir == "" {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "Recordings are disabled")
		return
	}
	path := logger.CastPath(h.logDir, sessionID)
	if _, err := os.Stat(path); err != nil {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "Log file not found for session "+sessionID)
		return
	}

	// Set headers for file download
	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".cast")
	c.File(path)
}

// ValidateDirectory handles POST /api/validate_directory.
func (h *SessionHandler) ValidateDirectory(c *gin.Context) {
	var req ValidateDirectoryRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	dir := strings.TrimSpace(req.Directory)
	if dir == "" {
		c.JSON(http.StatusOK, ValidateDirectoryResponse{Error: "No directory specified"})
		return
	}
	dir = ws.ExpandHome(dir)

	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.JSON(http.StatusOK, ValidateDirectoryResponse{Error: "Directory does not exist", CanCreate: true})
	case err != nil:
		c.JSON(http.StatusOK, ValidateDirectoryResponse{Error: err.Error()})
	case !info.IsDir():
		c.JSON(http.StatusOK, ValidateDirectoryResponse{Error: "Path is not a directory"})
	default:
		c.JSON(http.StatusOK, ValidateDirectoryResponse{Valid: true, Path: dir})
	}
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/status", h.StatusAll)
	rg.GET("/status/:agent", h.Status)
	rg.POST("/validate_directory", h.ValidateDirectory)

	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.ListAll)
		sessions.GET("/:agent", h.List)
		sessions.GET("/:agent/:id", h.Get)
		sessions.DELETE("/:agent/:id", h.Delete)
		sessions.POST("/:agent/:id/resume", h.Resume)
		sessions.GET("/:agent/:id/recording", h.Recording)
	}
}
