package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 获取步骤列表
func GetSteps(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := Workflow.GetProject(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"steps":              project.Steps,
		"project_id":         projectID,
		"current_step_index": project.CurrentStepIndex,
		"total_steps":        len(project.Steps),
	})
}

// 获取单个步骤详情
func GetStepDetail(c *gin.Context) {
	project, err := Workflow.GetProject(c.Param("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	stepID := c.Param("step_id")
	for _, s := range project.Steps {
		if s.ID == stepID || string(s.Type) == stepID {
			c.JSON(http.StatusOK, gin.H{"step": s})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "步骤未找到: " + stepID})
}
