package routers

import (
	"StoryFlow-server/routers/api"
	"StoryFlow-server/service"

	"github.com/gin-gonic/gin"
)

func InitRouter(workflow *service.Orchestrator, tasks *service.GenerationExecutor) *gin.Engine {
	api.Setup(workflow, tasks)

	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects", api.ListProjects)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
		v1.POST("/projects/:project_id/run", api.RunProject)
		v1.POST("/projects/:project_id/pause", api.PauseProject)
		v1.POST("/projects/:project_id/resume", api.ResumeProject)
		v1.GET("/projects/:project_id/steps", api.GetSteps)
		v1.GET("/projects/:project_id/steps/:step_id", api.GetStepDetail)
		v1.GET("/projects/:project_id/estimate", api.EstimateProject)

		v1.POST("/tasks/image", api.CreateImageTask)
		v1.POST("/tasks/video", api.CreateVideoTask)
		v1.GET("/tasks", api.ListTasks)
		v1.GET("/tasks/:task_id", api.GetTaskStatus)
		v1.POST("/tasks/:task_id/cancel", api.CancelTask)
		v1.DELETE("/tasks/:task_id", api.DeleteTask)

		v1.GET("/events/wss", api.EventsWebSocket)
	}
	return r
}
