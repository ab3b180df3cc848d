package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agentrelay/internal/approval"
	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

// ApprovalHandler exposes the approval broker. The agent's permission tool
// posts a request and blocks; a human answers from a client.
type ApprovalHandler struct {
	broker *approval.Broker
	log    *slog.Logger
}

// NewApprovalHandler creates a new ApprovalHandler.
func NewApprovalHandler(broker *approval.Broker, log *slog.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		broker: broker,
		log:    logger.OrDefault(log).With("component", "api"),
	}
}

// ApprovalResponse is the decision handed back to the requesting tool.
type ApprovalResponse struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason"`
	ApprovalID string `json:"approval_id"`
}

// DecisionResponse acknowledges a submitted decision.
type DecisionResponse struct {
	Success    bool   `json:"success"`
	ApprovalID string `json:"approval_id"`
}

// PendingResponse lists undecided requests.
type PendingResponse struct {
	PendingApprovals []approval.Pending `json:"pending_approvals"`
}

// Request handles POST /api/approve_tools. It blocks until a decision is
// made or the broker's timeout passes.
func (h *ApprovalHandler) Request(c *gin.Context) {
	var req approval.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if req.ID == "" || req.ToolName == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Missing approval_id or tool_name")
		return
	}

	decision, err := h.broker.Request(c.Request.Context(), req)
	resp := ApprovalResponse{Approved: decision.Approved, Reason: decision.Reason, ApprovalID: req.ID}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, model.ErrApprovalTimeout):
		c.JSON(http.StatusRequestTimeout, resp)
	case errors.Is(err, model.ErrInvalidRequest):
		sendErr(c, err)
	default:
		h.log.Warn("approval request abandoned", "approval_id", req.ID, "error", err)
		c.JSON(http.StatusInternalServerError, resp)
	}
}

// Decide handles POST /api/approve_tools/:id.
func (h *ApprovalHandler) Decide(c *gin.Context) {
	var d approval.Decision
	if err := c.ShouldBindJSON(&d); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	id := c.Param("id")
	if err := h.broker.Decide(id, d); err != nil {
		sendErr(c, err)
		return
	}
	c.JSON(http.StatusOK, DecisionResponse{Success: true, ApprovalID: id})
}

// Pending handles GET /api/pending_approvals.
func (h *ApprovalHandler) Pending(c *gin.Context) {
	c.JSON(http.StatusOK, PendingResponse{PendingApprovals: h.broker.ListPending()})
}

// RegisterRoutes registers the approval routes on a Gin router group.
func (h *ApprovalHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/approve_tools", h.Request)
	rg.POST("/approve_tools/:id", h.Decide)
	rg.GET("/pending_approvals", h.Pending)
}
