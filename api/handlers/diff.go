package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agentrelay/internal/filetracker"
)

// DiffHandler exposes the file changes recorded for a session.
type DiffHandler struct {
	tracker *filetracker.Tracker
}

// NewDiffHandler creates a new DiffHandler.
func NewDiffHandler(tracker *filetracker.Tracker) *DiffHandler {
	return &DiffHandler{tracker: tracker}
}

// DiffListResponse lists a session's diffs.
type DiffListResponse struct {
	Success   bool               `json:"success"`
	SessionID string             `json:"session_id"`
	Diffs     []filetracker.Diff `json:"diffs"`
	Count     int                `json:"count"`
}

// DiffActionResponse acknowledges an accept or deny.
type DiffActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	DiffID  string `json:"diff_id,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// List handles GET /api/diffs/:id.
func (h *DiffHandler) List(c *gin.Context) {
	id := c.Param("id")
	diffs := h.tracker.SessionDiffs(id)
	c.JSON(http.StatusOK, DiffListResponse{Success: true, SessionID: id, Diffs: diffs, Count: len(diffs)})
}

// Pending handles GET /api/diffs/:id/pending.
func (h *DiffHandler) Pending(c *gin.Context) {
	id := c.Param("id")
	diffs := h.tracker.PendingDiffs(id)
	c.JSON(http.StatusOK, DiffListResponse{Success: true, SessionID: id, Diffs: diffs, Count: len(diffs)})
}

// Accept handles POST /api/diffs/:id/:diff/accept.
func (h *DiffHandler) Accept(c *gin.Context) {
	diffID := c.Param("diff")
	if err := h.tracker.AcceptDiff(c.Param("id"), diffID); err != nil {
		sendErr(c, err)
		return
	}
	c.JSON(http.StatusOK, DiffActionResponse{Success: true, Message: "Diff accepted", DiffID: diffID})
}

// Deny handles POST /api/diffs/:id/:diff/deny.
func (h *DiffHandler) Deny(c *gin.Context) {
	diffID := c.Param("diff")
	if err := h.tracker.DenyDiff(c.Param("id"), diffID); err != nil {
		sendErr(c, err)
		return
	}
	c.JSON(http.StatusOK, DiffActionResponse{Success: true, Message: "Diff denied", DiffID: diffID})
}

// AcceptAll handles POST /api/diffs/:id/accept_all.
func (h *DiffHandler) AcceptAll(c *gin.Context) {
	n := h.tracker.AcceptAll(c.Param("id"))
	c.JSON(http.StatusOK, DiffActionResponse{Success: true, Message: fmt.Sprintf("Accepted %d diffs", n), Count: n})
}

// RegisterRoutes registers the diff routes on a Gin router group.
func (h *DiffHandler) RegisterRoutes(rg *gin.RouterGroup) {
	diffs := rg.Group("/diffs")
	{
		diffs.GET("/:id", h.List)
		diffs.GET("/:id/pending", h.Pending)
		diffs.POST("/:id/accept_all", h.AcceptAll)
		diffs.POST("/:id/:diff/accept", h.Accept)
		diffs.POST("/:id/:diff/deny", h.Deny)
	}
}
