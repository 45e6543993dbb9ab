package api

import (
	"errors"
	"net/http"

	"StoryFlow-server/models"
	"StoryFlow-server/service"

	"github.com/gin-gonic/gin"
)

// 由 routers.InitRouter 注入
var (
	Workflow *service.Orchestrator
	Tasks    *service.GenerationExecutor
)

func Setup(workflow *service.Orchestrator, tasks *service.GenerationExecutor) {
	Workflow = workflow
	Tasks = tasks
}

// respondError 把 service 层错误映射为 HTTP 状态码
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyRunning), errors.Is(err, service.ErrInvalidState):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// 创建项目：POST /v1/api/projects
func CreateProject(c *gin.Context) {
	var req struct {
		Name        string               `json:"name" binding:"required"`
		Description string               `json:"description"`
		Config      models.ProjectConfig `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project, err := Workflow.CreateProject(req.Name, req.Description, req.Config)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": redact(project)})
}

func ListProjects(c *gin.Context) {
	projects := Workflow.GetAllProjects()
	for i := range projects {
		projects[i] = redact(projects[i])
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "total": len(projects)})
}

// 获取项目详情
func GetProject(c *gin.Context) {
	project, err := Workflow.GetProject(c.Param("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": redact(project)})
}

// 删除项目：进行中的步骤和生成任务会先被取消
func DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := Workflow.DeleteProject(c.Request.Context(), projectID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "deleted": true})
}

// 开始推进，立即返回；进度通过事件流或轮询项目获得
func RunProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := Workflow.StartWorkflow(projectID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project_id": projectID, "status": models.ProjectStatusRunning})
}

func PauseProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := Workflow.PauseWorkflow(projectID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project_id": projectID, "pause_requested": true})
}

func ResumeProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := Workflow.StartResume(projectID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project_id": projectID, "status": models.ProjectStatusRunning})
}

func EstimateProject(c *gin.Context) {
	est, err := Workflow.EstimateProject(c.Param("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimate": est})
}

// redact 不把密钥返回给客户端
func redact(p models.Project) models.Project {
	if len(p.Config.Credentials) == 0 {
		return p
	}
	masked := make(models.Credentials, len(p.Config.Credentials))
	for name := range p.Config.Credentials {
		masked[name] = "***"
	}
	p.Config.Credentials = masked
	return p
}
