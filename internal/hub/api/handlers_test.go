package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/agent/registry"
	"github.com/taskhub/taskhub/internal/artifact"
	"github.com/taskhub/taskhub/internal/common/config"
	"github.com/taskhub/taskhub/internal/common/httpmw"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/dispatch"
	"github.com/taskhub/taskhub/internal/dlq"
	"github.com/taskhub/taskhub/internal/metrics"
	"github.com/taskhub/taskhub/internal/routing"
	taskrepo "github.com/taskhub/taskhub/internal/task/repository"
	"github.com/taskhub/taskhub/internal/workflow"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

func newTestServer(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	tasks := taskrepo.NewMemoryRepository()
	agents := registry.NewRegistry(registry.NewMemoryRepository(), log)
	router := routing.NewEngine(routing.NewMemoryRepository(routing.DefaultRules()...), log)
	dlqService := dlq.NewService(dlq.NewMemoryRepository(), tasks, nil, log)
	workflows := workflow.NewMemoryRepository()
	recovery := workflow.NewRecovery(tasks, workflows, nil, log)

	dispatcher := dispatch.NewDispatcher(
		tasks, agents, router, artifact.NewVerifier("test-secret"), dlqService,
		nil, metrics.NewNop(),
		config.BrokerConfig{LeaseSeconds: 60, BackoffCapSec: 3600},
		log,
	)
	handler := NewHandler(dispatcher, agents, router, dlqService, recovery, workflows, log)

	engine := gin.New()
	SetupRoutes(engine.Group(""), handler, log)
	return engine, agents
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, role v1.Role, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpmw.RoleHeader, string(role))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func registerTestAgent(t *testing.T, engine *gin.Engine) {
	t.Helper()
	// SRE Engineer work routes to Cursor (rule R2), so the agent declares
	// the Cursor worker type.
	rec := doJSON(t, engine, http.MethodPost, "/agent/register", v1.RoleAdmin, gin.H{
		"agent_id":    "agent-1",
		"owner_role":  "SRE Engineer",
		"capacity":    5,
		"worker_type": "Cursor",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func createBody(code, messageID string) gin.H {
	return gin.H{
		"task_code":             code,
		"area":                  "infra",
		"owner_role":            "SRE Engineer",
		"instructions":          "investigate the failing deploy",
		"how_to_repro":          "run the pipeline",
		"expected":              "deploy succeeds",
		"evidence_requirements": "pipeline log",
		"message_id":            messageID,
	}
}

func TestCreateTaskIdempotent(t *testing.T) {
	engine, _ := newTestServer(t)
	registerTestAgent(t, engine)

	rec := doJSON(t, engine, http.MethodPost, "/task/create", v1.RoleSubmitter, createBody("ATA-0001", "msg-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var first CreateTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.NotEmpty(t, first.TaskID)
	assert.Equal(t, "agent-1", first.AgentID)

	rec = doJSON(t, engine, http.MethodPost, "/task/create", v1.RoleSubmitter, createBody("ATA-0001", "msg-1"))
	require.Equal(t, http.StatusOK, rec.Code, "duplicate submission is not an error")

	var second CreateTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestCreateTaskRejectsIncompleteTemplate(t *testing.T) {
	engine, _ := newTestServer(t)
	registerTestAgent(t, engine)

	body := createBody("ATA-0001", "msg-1")
	delete(body, "expected")
	rec := doJSON(t, engine, http.MethodPost, "/task/create", v1.RoleSubmitter, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_task_template")
}

func TestTaskStatusRequiresExactlyOneSelector(t *testing.T) {
	engine, _ := newTestServer(t)

	rec := doJSON(t, engine, http.MethodGet, "/task/status", v1.RoleAuditor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, engine, http.MethodGet, "/task/status?task_id=a&task_code=b", v1.RoleAuditor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, engine, http.MethodGet, "/task/status?task_id=missing", v1.RoleAuditor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskStatusBySelectors(t *testing.T) {
	engine, _ := newTestServer(t)
	registerTestAgent(t, engine)

	rec := doJSON(t, engine, http.MethodPost, "/task/create", v1.RoleSubmitter, createBody("ATA-0001", "msg-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created CreateTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	for _, path := range []string{
		"/task/status?task_id=" + created.TaskID,
		"/task/status?message_id=msg-1",
		"/task/status?task_code=ATA-0001",
	} {
		rec = doJSON(t, engine, http.MethodGet, path, v1.RoleAuditor, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var view v1.Task
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.Equal(t, created.TaskID, view.ID, path)
	}
}

func TestNextTaskEmptyQueue(t *testing.T) {
	engine, _ := newTestServer(t)
	registerTestAgent(t, engine)

	rec := doJSON(t, engine, http.MethodGet, "/task/next?agent_id=agent-1", v1.RoleWorker, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"task":null`)
	assert.Contains(t, rec.Body.String(), "no task available")
}

func TestNextTaskDispatchAndResult(t *testing.T) {
	engine, _ := newTestServer(t)
	registerTestAgent(t, engine)

	rec := doJSON(t, engine, http.MethodPost, "/task/create", v1.RoleSubmitter, createBody("ATA-0001", "msg-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, engine, http.MethodGet, "/task/next?agent_id=agent-1", v1.RoleWorker, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var next NextTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	require.NotNil(t, next.Task)
	assert.Equal(t, v1.TaskStatusRunning, next.Task.Status)

	rec = doJSON(t, engine, http.MethodPost, "/task/heartbeat", v1.RoleWorker, gin.H{
		"task_id": next.Task.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, engine, http.MethodPost, "/task/result", v1.RoleWorker, gin.H{
		"task_id": next.Task.ID,
		"status":  "DONE",
		"result":  gin.H{"summary": "fixed"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var done v1.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, v1.TaskStatusDone, done.Status)
}

func TestRoleEnforcement(t *testing.T) {
	engine, _ := newTestServer(t)
	registerTestAgent(t, engine)

	tests := []struct {
		name   string
		method string
		path   string
		role   v1.Role
		body   interface{}
		want   int
	}{
		{"submitter cannot poll", http.MethodGet, "/task/next?agent_id=agent-1", v1.RoleSubmitter, nil, http.StatusForbidden},
		{"auditor cannot create", http.MethodPost, "/task/create", v1.RoleAuditor, createBody("ATA-0001", "m"), http.StatusForbidden},
		{"auditor cannot replay", http.MethodPost, "/dlq/replay", v1.RoleAuditor, gin.H{"dlq_id": "x"}, http.StatusForbidden},
		{"auditor can read queue", http.MethodGet, "/queue/status", v1.RoleAuditor, nil, http.StatusOK},
		{"worker can poll", http.MethodGet, "/task/next?agent_id=agent-1", v1.RoleWorker, nil, http.StatusOK},
		{"unknown role rejected", http.MethodGet, "/queue/status", v1.Role("superuser"), nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, engine, tt.method, tt.path, tt.role, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRoutingEndpoints(t *testing.T) {
	engine, _ := newTestServer(t)

	rec := doJSON(t, engine, http.MethodPost, "/task/routing", v1.RoleAuditor, gin.H{
		"task_code":  "ATA-0001",
		"area":       "ci/exchange",
		"owner_role": "SRE Engineer",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Trae")
	assert.Contains(t, rec.Body.String(), "Matched by R1")

	rec = doJSON(t, engine, http.MethodGet, "/routing/rules", v1.RoleAuditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rules struct {
		Rules []json.RawMessage `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.Len(t, rules.Rules, 6)
}

func TestDLQEndpoints(t *testing.T) {
	engine, _ := newTestServer(t)
	registerTestAgent(t, engine)

	// Drive a task into the DLQ through the API: max_retries 0 plus one FAIL.
	body := createBody("ATA-0001", "msg-1")
	body["max_retries"] = 0
	rec := doJSON(t, engine, http.MethodPost, "/task/create", v1.RoleSubmitter, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, engine, http.MethodGet, "/task/next?agent_id=agent-1", v1.RoleWorker, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var next NextTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	require.NotNil(t, next.Task)

	rec = doJSON(t, engine, http.MethodPost, "/task/result", v1.RoleWorker, gin.H{
		"task_id":     next.Task.ID,
		"status":      "FAIL",
		"reason_code": "TEST_FAILURE",
		"last_error":  "boom",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"DLQ"`)

	rec = doJSON(t, engine, http.MethodGet, "/dlq/list", v1.RoleAuditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list DLQListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	entry := list.Entries[0]

	rec = doJSON(t, engine, http.MethodGet, "/dlq/task/ATA-0001", v1.RoleAuditor, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, engine, http.MethodGet, "/dlq/message/msg-1", v1.RoleAuditor, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, engine, http.MethodPost, "/dlq/replay", v1.RoleAdmin, gin.H{
		"dlq_id": entry.ID,
		"who":    "oncall@example.com",
		"why":    "flake resolved",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var replayed v1.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replayed))
	assert.Equal(t, v1.TaskStatusPending, replayed.Status)
	assert.Equal(t, 0, replayed.RetryCount)
}

func TestWorkflowEndpoints(t *testing.T) {
	engine, _ := newTestServer(t)

	rec := doJSON(t, engine, http.MethodGet, "/workflow/status", v1.RoleAuditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ACTIVE"`)

	rec = doJSON(t, engine, http.MethodPost, "/workflow/recover", v1.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"SUCCESS"`)

	rec = doJSON(t, engine, http.MethodGet, "/workflow/status", v1.RoleAuditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"SUCCESS"`)
}

func TestAgentLifecycle(t *testing.T) {
	engine, _ := newTestServer(t)
	registerTestAgent(t, engine)

	rec := doJSON(t, engine, http.MethodGet, "/agent/list", v1.RoleAuditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agent-1"`)

	rec = doJSON(t, engine, http.MethodGet, "/agent/agent-1", v1.RoleAuditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agent v1.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, "agent-1", agent.ID)
	assert.Equal(t, 5, agent.Capacity)

	rec = doJSON(t, engine, http.MethodPut, "/agent/agent-1", v1.RoleAdmin, gin.H{
		"owner_role":  "SRE Engineer",
		"capacity":    3,
		"worker_type": "Cursor",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, 3, agent.Capacity)

	rec = doJSON(t, engine, http.MethodPut, "/agent/nobody", v1.RoleAdmin, gin.H{
		"owner_role": "SRE Engineer",
		"capacity":   1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "update never registers implicitly")

	rec = doJSON(t, engine, http.MethodGet, "/agent/nobody", v1.RoleAuditor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, engine, http.MethodDelete, "/agent/agent-1", v1.RoleWorker, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, engine, http.MethodDelete, "/agent/agent-1", v1.RoleWorker, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
