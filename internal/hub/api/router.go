package api

import (
	"github.com/gin-gonic/gin"

	"github.com/taskhub/taskhub/internal/common/httpmw"
	"github.com/taskhub/taskhub/internal/common/logger"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// SetupRoutes wires the broker endpoints onto a router group. Every route
// goes through role authentication; each one additionally demands the
// permission its operation requires.
func SetupRoutes(router *gin.RouterGroup, handler *Handler, log *logger.Logger) {
	router.Use(httpmw.Auth(log))

	task := router.Group("/task")
	{
		task.POST("/create", httpmw.Require(v1.PermCreate, log), handler.CreateTask)
		task.GET("/status", httpmw.Require(v1.PermReadAll, log), handler.TaskStatus)
		task.GET("/next", httpmw.Require(v1.PermAssign, log), handler.NextTask)
		task.POST("/heartbeat", httpmw.Require(v1.PermAssign, log), handler.Heartbeat)
		task.POST("/result", httpmw.Require(v1.PermReportResult, log), handler.SubmitResult)
		task.POST("/routing", httpmw.Require(v1.PermReadAll, log), handler.EvaluateRouting)
	}

	routing := router.Group("/routing")
	{
		routing.GET("/rules", httpmw.Require(v1.PermReadAll, log), handler.ListRoutingRules)
	}

	dlq := router.Group("/dlq")
	{
		dlq.GET("/list", httpmw.Require(v1.PermReadAll, log), handler.ListDLQ)
		dlq.GET("/task/:taskCode", httpmw.Require(v1.PermReadAll, log), handler.GetDLQByTaskCode)
		dlq.GET("/message/:messageId", httpmw.Require(v1.PermReadAll, log), handler.GetDLQByMessageID)
		dlq.GET("/:dlqId", httpmw.Require(v1.PermReadAll, log), handler.GetDLQEntry)
		dlq.POST("/replay", httpmw.Require(v1.PermReplayDLQ, log), handler.ReplayDLQ)
	}

	agent := router.Group("/agent")
	{
		agent.POST("/register", httpmw.Require(v1.PermAssign, log), handler.RegisterAgent)
		agent.GET("/list", httpmw.Require(v1.PermReadAll, log), handler.ListAgents)
		agent.GET("/:agentId", httpmw.Require(v1.PermReadAll, log), handler.GetAgent)
		agent.PUT("/:agentId", httpmw.Require(v1.PermAssign, log), handler.UpdateAgent)
		agent.DELETE("/:agentId", httpmw.Require(v1.PermAssign, log), handler.DeregisterAgent)
	}

	queue := router.Group("/queue")
	{
		queue.GET("/status", httpmw.Require(v1.PermReadAll, log), handler.QueueStatus)
	}

	workflow := router.Group("/workflow")
	{
		workflow.POST("/recover", httpmw.Require(v1.PermReplayDLQ, log), handler.RunRecovery)
		workflow.GET("/status", httpmw.Require(v1.PermReadAll, log), handler.WorkflowStatus)
	}
}
