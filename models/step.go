package models

import (
	"database/sql/driver"
	"encoding/json"
)

// StepType 步骤类型（固定枚举）
type StepType string

const (
	StepScript     StepType = "script"
	StepStoryboard StepType = "storyboard"
	StepCharacter  StepType = "character"
	StepScene      StepType = "scene"
	StepImage      StepType = "image"
	StepDubbing    StepType = "dubbing"
	StepVideo      StepType = "video"
	StepEdit       StepType = "edit"
	StepExport     StepType = "export"
)

// StepOrder 是步骤的规范顺序
var StepOrder = []StepType{
	StepScript, StepStoryboard, StepCharacter, StepScene, StepImage,
	StepDubbing, StepVideo, StepEdit, StepExport,
}

var stepNames = map[StepType]string{
	StepScript:     "Script",
	StepStoryboard: "Storyboard",
	StepCharacter:  "Characters",
	StepScene:      "Scenes",
	StepImage:      "Images",
	StepDubbing:    "Dubbing",
	StepVideo:      "Video",
	StepEdit:       "Edit",
	StepExport:     "Export",
}

func (t StepType) Valid() bool {
	_, ok := stepNames[t]
	return ok
}

func (t StepType) DisplayName() string {
	return stepNames[t]
}

// Capability 返回该步骤需要的 provider 能力；edit/export 为本地处理
func (t StepType) Capability() Capability {
	switch t {
	case StepScript:
		return CapabilityText
	case StepStoryboard, StepCharacter, StepScene, StepImage:
		return CapabilityImage
	case StepDubbing:
		return CapabilitySpeech
	case StepVideo:
		return CapabilityVideo
	}
	return CapabilityNone
}

const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

// 结果类型
const (
	ResultText     = "text"
	ResultImages   = "images"
	ResultAudio    = "audio"
	ResultVideos   = "videos"
	ResultTimeline = "timeline"
	ResultPackage  = "package"
)

// TimelineClip 是剪辑时间线上的一个片段
type TimelineClip struct {
	Source   string  `json:"source"`
	Audio    string  `json:"audio,omitempty"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// StepResult 供后续步骤消费的结果
type StepResult struct {
	Kind      string            `json:"kind"`
	Text      string            `json:"text,omitempty"`
	Prompts   []string          `json:"prompts,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Timeline  []TimelineClip    `json:"timeline,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (r StepResult) Clone() StepResult {
	out := r
	out.Prompts = append([]string(nil), r.Prompts...)
	out.Artifacts = append([]string(nil), r.Artifacts...)
	out.Timeline = append([]TimelineClip(nil), r.Timeline...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// 实现 driver.Valuer 接口
func (r StepResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// 实现 sql.Scanner 接口
func (r *StepResult) Scan(value interface{}) error {
	return scanJSON(value, r)
}

type Step struct {
	ID        string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID string      `gorm:"type:varchar(64);index" json:"projectId"`
	Position  int         `json:"position"`
	Type      StepType    `gorm:"type:varchar(32)" json:"type"`
	Name      string      `json:"name"`
	Status    string      `gorm:"type:varchar(32)" json:"status"`
	Progress  int         `json:"progress"`
	Duration  int64       `json:"duration"` // 毫秒
	Error     string      `json:"error,omitempty"`
	Result    *StepResult `gorm:"type:json" json:"result,omitempty"`
}

func (s Step) Clone() Step {
	out := s
	if s.Result != nil {
		r := s.Result.Clone()
		out.Result = &r
	}
	return out
}

func (Step) TableName() string {
	return "step"
}
