package api

import (
	"log"
	"net/http"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type generateRequest struct {
	Options     models.GenerationOptions `json:"options"`
	Credentials models.Credentials       `json:"credentials"`
}

// 手动生成图片：POST /v1/api/tasks/image
func CreateImageTask(c *gin.Context) {
	submitTask(c, models.TaskKindImage)
}

// 手动生成视频：POST /v1/api/tasks/video
func CreateVideoTask(c *gin.Context) {
	submitTask(c, models.TaskKindVideo)
}

func submitTask(c *gin.Context, kind string) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := Tasks.Submit(kind, req.Options, req.Credentials)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

func ListTasks(c *gin.Context) {
	tasks := Tasks.GetAllTasks()
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// 查询任务状态：GET /v1/api/tasks/:task_id
func GetTaskStatus(c *gin.Context) {
	t, err := Tasks.GetTask(c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

// 取消任务；已结束的任务原样返回
func CancelTask(c *gin.Context) {
	t, err := Tasks.CancelTask(c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

func DeleteTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := Tasks.DeleteTask(taskID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "deleted": true})
}

const wsWriteTimeout = 10 * time.Second

// 事件推送 WebSocket：GET /v1/api/events/wss?project_id=&task_id=
// 连接后先推送当前快照，之后转发事件总线上匹配的事件，不做回放
func EventsWebSocket(c *gin.Context) {
	projectID := c.Query("project_id")
	taskID := c.Query("task_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] WebSocket升级失败: %v", err)
		return
	}
	defer conn.Close()

	sub := Workflow.Subscribe()
	defer sub.Close()

	if projectID != "" {
		if p, err := Workflow.GetProject(projectID); err == nil {
			_ = conn.WriteJSON(gin.H{"type": "snapshot", "project": redact(p)})
		} else {
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
		}
	}
	if taskID != "" {
		if t, err := Tasks.GetTask(taskID); err == nil {
			_ = conn.WriteJSON(gin.H{"type": "snapshot", "task": t})
		} else {
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
		}
	}

	// 读协程只用于发现客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if !matches(ev, projectID, taskID) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func matches(ev service.Event, projectID, taskID string) bool {
	if projectID == "" && taskID == "" {
		return true
	}
	if projectID != "" && ev.ProjectID == projectID {
		return true
	}
	return taskID != "" && ev.TaskID == taskID
}
