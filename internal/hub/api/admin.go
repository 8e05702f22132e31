package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskhub/taskhub/internal/agent/registry"
	"github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/common/httpmw"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// ListDLQ returns a page of dead-lettered tasks, newest first.
// GET /dlq/list?page&page_size
func (h *Handler) ListDLQ(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.dlq.List(c.Request.Context(), page, pageSize)
	if err != nil {
		h.respondError(c, err, "failed to list dlq")
		return
	}
	out := make([]*v1.DLQEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ToAPI())
	}
	if page < 1 {
		page = 1
	}
	c.JSON(http.StatusOK, DLQListResponse{
		Entries:  out,
		Total:    total,
		Page:     page,
		PageSize: len(out),
	})
}

// GetDLQEntry returns one DLQ entry by id.
// GET /dlq/:dlqId
func (h *Handler) GetDLQEntry(c *gin.Context) {
	entry, err := h.dlq.Get(c.Request.Context(), c.Param("dlqId"))
	if err != nil {
		h.respondError(c, err, "failed to load dlq entry")
		return
	}
	c.JSON(http.StatusOK, entry.ToAPI())
}

// GetDLQByTaskCode returns the most recent entry for a task code.
// GET /dlq/task/:taskCode
func (h *Handler) GetDLQByTaskCode(c *gin.Context) {
	entry, err := h.dlq.GetByTaskCode(c.Request.Context(), c.Param("taskCode"))
	if err != nil {
		h.respondError(c, err, "failed to load dlq entry")
		return
	}
	c.JSON(http.StatusOK, entry.ToAPI())
}

// GetDLQByMessageID returns the most recent entry for a message id.
// GET /dlq/message/:messageId
func (h *Handler) GetDLQByMessageID(c *gin.Context) {
	entry, err := h.dlq.GetByMessageID(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		h.respondError(c, err, "failed to load dlq entry")
		return
	}
	c.JSON(http.StatusOK, entry.ToAPI())
}

// ReplayDLQ requeues a dead-lettered task with an audit trail.
// POST /dlq/replay
func (h *Handler) ReplayDLQ(c *gin.Context) {
	var req DLQReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DLQID == "" {
		appErr := errors.BadRequest("dlq_id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	who := req.Who
	if who == "" {
		who = httpmw.CallerFrom(c)
	}
	task, err := h.dlq.Replay(c.Request.Context(), req.DLQID, who, req.Why)
	if err != nil {
		h.respondError(c, err, "replay failed")
		return
	}
	c.JSON(http.StatusOK, task.ToAPI())
}

// RegisterAgent creates or refreshes an agent registration.
// POST /agent/register
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent, err := h.agents.Register(c.Request.Context(), registry.RegisterInput{
		ID:                       req.AgentID,
		OwnerRole:                req.OwnerRole,
		Capabilities:             req.Capabilities,
		AllowedTools:             req.AllowedTools,
		Capacity:                 req.Capacity,
		CompletionLimitPerMinute: req.CompletionLimitPerMinute,
		WorkerType:               req.WorkerType,
	})
	if err != nil {
		h.respondError(c, err, "registration failed")
		return
	}
	c.JSON(http.StatusOK, agent.ToAPI())
}

// GetAgent returns one agent by id.
// GET /agent/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.agents.Get(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		h.respondError(c, err, "failed to load agent")
		return
	}
	c.JSON(http.StatusOK, agent.ToAPI())
}

// UpdateAgent refreshes an existing registration in place. The path id wins
// over any agent_id in the body; updating an unknown agent is a 404 rather
// than an implicit registration.
// PUT /agent/:agentId
func (h *Handler) UpdateAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	id := c.Param("agentId")
	if _, err := h.agents.Get(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "failed to load agent")
		return
	}

	agent, err := h.agents.Register(c.Request.Context(), registry.RegisterInput{
		ID:                       id,
		OwnerRole:                req.OwnerRole,
		Capabilities:             req.Capabilities,
		AllowedTools:             req.AllowedTools,
		Capacity:                 req.Capacity,
		CompletionLimitPerMinute: req.CompletionLimitPerMinute,
		WorkerType:               req.WorkerType,
	})
	if err != nil {
		h.respondError(c, err, "update failed")
		return
	}
	c.JSON(http.StatusOK, agent.ToAPI())
}

// DeregisterAgent removes an agent.
// DELETE /agent/:agentId
func (h *Handler) DeregisterAgent(c *gin.Context) {
	if err := h.agents.Deregister(c.Request.Context(), c.Param("agentId")); err != nil {
		h.respondError(c, err, "deregistration failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent deregistered"})
}

// ListAgents returns every registered agent.
// GET /agent/list
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.agents.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list agents")
		return
	}
	out := make([]*v1.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.ToAPI())
	}
	c.JSON(http.StatusOK, gin.H{"agents": out, "total": len(out)})
}

// QueueStatus returns task counts by status.
// GET /queue/status
func (h *Handler) QueueStatus(c *gin.Context) {
	counts, err := h.dispatcher.Tasks().CountByStatus(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to count tasks")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, QueueStatusResponse{Counts: counts, Total: total})
}

// RunRecovery runs workflow recovery on demand.
// POST /workflow/recover
func (h *Handler) RunRecovery(c *gin.Context) {
	report, err := h.recovery.Run(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "recovery failed")
		return
	}
	c.JSON(http.StatusOK, report)
}

// WorkflowStatus returns the singleton workflow consistency record.
// GET /workflow/status
func (h *Handler) WorkflowStatus(c *gin.Context) {
	wf, err := h.workflows.Get(c.Request.Context(), "default")
	if err != nil {
		h.respondStoreError(c, err, "workflow", "default")
		return
	}
	c.JSON(http.StatusOK, wf.ToAPI())
}
