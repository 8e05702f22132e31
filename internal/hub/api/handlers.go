// Package api exposes the broker's HTTP endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/agent/registry"
	"github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/common/httpmw"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/dispatch"
	"github.com/taskhub/taskhub/internal/dlq"
	"github.com/taskhub/taskhub/internal/routing"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/workflow"
)

// Handler contains the HTTP handlers for the broker API.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	agents     *registry.Registry
	router     *routing.Engine
	dlq        *dlq.Service
	recovery   *workflow.Recovery
	workflows  workflow.Repository
	logger     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	dispatcher *dispatch.Dispatcher,
	agents *registry.Registry,
	router *routing.Engine,
	dlqService *dlq.Service,
	recovery *workflow.Recovery,
	workflows workflow.Repository,
	log *logger.Logger,
) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		agents:     agents,
		router:     router,
		dlq:        dlqService,
		recovery:   recovery,
		workflows:  workflows,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// CreateTask submits a new task.
// POST /task/create
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task, created, err := h.dispatcher.Create(c.Request.Context(), &dispatch.CreateRequest{
		TaskCode:             req.TaskCode,
		Area:                 req.Area,
		OwnerRole:            req.OwnerRole,
		Instructions:         req.Instructions,
		HowToRepro:           req.HowToRepro,
		Expected:             req.Expected,
		EvidenceRequirements: req.EvidenceRequirements,
		MessageID:            req.MessageID,
		Priority:             req.Priority,
		Deadline:             req.Deadline,
		TimeoutSeconds:       req.TimeoutSeconds,
		MaxRetries:           req.MaxRetries,
		RetryBackoffSec:      req.RetryBackoffSec,
		Dependencies:         req.Dependencies,
	})
	if err != nil {
		h.respondError(c, err, "create failed")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, CreateTaskResponse{
		TaskID:         task.ID,
		TaskCode:       task.TaskCode,
		MessageID:      task.MessageIDString(),
		Status:         task.Status,
		AgentID:        task.AgentID,
		TimeoutSeconds: task.TimeoutSeconds,
		MaxRetries:     task.MaxRetries,
	})
}

// TaskStatus returns the full task view for exactly one selector.
// GET /task/status?(task_id|task_code|message_id)=...
func (h *Handler) TaskStatus(c *gin.Context) {
	taskID := c.Query("task_id")
	taskCode := c.Query("task_code")
	messageID := c.Query("message_id")

	set := 0
	for _, s := range []string{taskID, taskCode, messageID} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		appErr := errors.BadRequest("exactly one of task_id, task_code or message_id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	tasks := h.dispatcher.Tasks()

	switch {
	case taskID != "":
		t, err := tasks.Get(ctx, taskID)
		if err != nil {
			h.respondStoreError(c, err, "task", taskID)
			return
		}
		c.JSON(http.StatusOK, t.ToAPI())
	case messageID != "":
		t, err := tasks.GetByMessageID(ctx, messageID)
		if err != nil {
			h.respondStoreError(c, err, "task for message_id", messageID)
			return
		}
		c.JSON(http.StatusOK, t.ToAPI())
	default:
		t, err := tasks.GetLatestByTaskCode(ctx, taskCode)
		if err != nil {
			h.respondStoreError(c, err, "task for task_code", taskCode)
			return
		}
		c.JSON(http.StatusOK, t.ToAPI())
	}
}

// NextTask hands out at most one task for an agent.
// GET /task/next?agent_id=...
func (h *Handler) NextTask(c *gin.Context) {
	agentID := c.Query("agent_id")
	if agentID == "" {
		appErr := errors.BadRequest("agent_id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task, err := h.dispatcher.Next(c.Request.Context(), agentID)
	if err != nil {
		h.respondError(c, err, "next failed")
		return
	}
	if task == nil {
		c.JSON(http.StatusOK, NextTaskResponse{Task: nil, Message: "no task available"})
		return
	}
	c.JSON(http.StatusOK, NextTaskResponse{Task: task.ToAPI()})
}

// Heartbeat extends a RUNNING task's lease.
// POST /task/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" {
		appErr := errors.BadRequest("task_id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	expiry, leaseSeconds, err := h.dispatcher.Heartbeat(c.Request.Context(), req.TaskID)
	if err != nil {
		h.respondError(c, err, "heartbeat failed")
		return
	}
	c.JSON(http.StatusOK, HeartbeatResponse{NewLeaseExpiry: expiry, LeaseSeconds: leaseSeconds})
}

// SubmitResult processes a worker's result.
// POST /task/result
func (h *Handler) SubmitResult(c *gin.Context) {
	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var result map[string]interface{}
	if len(req.Result) > 0 {
		if err := json.Unmarshal(req.Result, &result); err != nil {
			appErr := errors.BadRequest("result must be a JSON object")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	task, err := h.dispatcher.Result(c.Request.Context(), &dispatch.ResultRequest{
		TaskID:     req.TaskID,
		MessageID:  req.MessageID,
		TaskCode:   req.TaskCode,
		Status:     req.Status,
		Result:     result,
		RawResult:  req.Result,
		ReasonCode: req.ReasonCode,
		LastError:  req.LastError,
	})
	if err != nil {
		h.respondError(c, err, "result failed")
		return
	}
	c.JSON(http.StatusOK, task.ToAPI())
}

// EvaluateRouting runs the routing engine without creating a task.
// POST /task/routing
func (h *Handler) EvaluateRouting(c *gin.Context) {
	var req RoutingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	decision, err := h.router.Decide(c.Request.Context(), routing.Attributes{
		TaskCode:  req.TaskCode,
		Area:      req.Area,
		OwnerRole: req.OwnerRole,
		Priority:  req.Priority,
	})
	if err != nil {
		h.respondError(c, err, "routing failed")
		return
	}
	c.JSON(http.StatusOK, decision)
}

// ListRoutingRules returns the rule list in evaluation order.
// GET /routing/rules
func (h *Handler) ListRoutingRules(c *gin.Context) {
	rules, err := h.router.Rules(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list rules")
		return
	}
	out := make([]interface{}, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ToAPI())
	}
	c.JSON(http.StatusOK, gin.H{"rules": out})
}

// respondError renders an error as its AppError shape.
func (h *Handler) respondError(c *gin.Context, err error, logMsg string) {
	appErr := errors.Wrap(err, logMsg)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error(logMsg,
			zap.String("path", c.FullPath()),
			zap.String("role", string(httpmw.RoleFrom(c))),
			zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// respondStoreError maps repository errors onto API errors.
func (h *Handler) respondStoreError(c *gin.Context, err error, resource, id string) {
	if store.IsNotFound(err) {
		appErr := errors.NotFound(resource, id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.respondError(c, err, "lookup failed")
}
