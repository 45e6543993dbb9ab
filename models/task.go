package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// 生成任务状态：pending -> processing -> completed | failed | cancelled
const (
	// pending: 已创建，等待执行槽位
	TaskStatusPending = "pending"
	// processing: 正在调用 provider
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	// cancelled: 被用户取消，或所属项目被删除
	TaskStatusCancelled = "cancelled"
)

// 生成任务类型
const (
	TaskKindImage = "image"
	TaskKindVideo = "video"
)

// GenerationOptions 描述一次图片/视频生成请求
type GenerationOptions struct {
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negativePrompt,omitempty"`
	Width          int            `json:"width,omitempty"`
	Height         int            `json:"height,omitempty"`
	Duration       int            `json:"duration,omitempty"` // 秒，仅视频
	Style          string         `json:"style,omitempty"`
	AspectRatio    string         `json:"aspectRatio,omitempty"`
	ImageURL       string         `json:"imageUrl,omitempty"` // 图生视频的输入帧
	Provider       ProviderChoice `json:"provider"`
}

func (o GenerationOptions) Clone() GenerationOptions {
	out := o
	out.Provider.Fallbacks = append([]string(nil), o.Provider.Fallbacks...)
	return out
}

// 实现 driver.Valuer 接口
func (o GenerationOptions) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// 实现 sql.Scanner 接口
func (o *GenerationOptions) Scan(value interface{}) error {
	return scanJSON(value, o)
}

type GenerationTask struct {
	ID         string            `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Kind       string            `gorm:"type:varchar(16)" json:"kind"`
	Options    GenerationOptions `gorm:"type:json" json:"options"`
	Status     string            `gorm:"type:varchar(32);index" json:"status"`
	Progress   int               `json:"progress"`
	ResultURL  string            `json:"resultUrl,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}

func (t GenerationTask) Clone() GenerationTask {
	out := t
	out.Options = t.Options.Clone()
	if t.FinishedAt != nil {
		at := *t.FinishedAt
		out.FinishedAt = &at
	}
	return out
}

// Terminal reports whether the task can no longer change status.
func (t GenerationTask) Terminal() bool {
	return IsTerminalTask(t.Status)
}

func IsTerminalTask(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

func (GenerationTask) TableName() string {
	return "generation_task"
}
