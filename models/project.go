package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 项目状态
const (
	ProjectStatusIdle      = "idle"      // 已创建，尚未运行
	ProjectStatusRunning   = "running"   // 正在推进步骤
	ProjectStatusPaused    = "paused"    // 在步骤边界暂停
	ProjectStatusCompleted = "completed" // 所有步骤完成
	ProjectStatusFailed    = "failed"    // 某个步骤失败，可 resume 重试
)

// DefaultShotCount 分镜默认数量
const DefaultShotCount = 5

// Capability 是 provider 提供的生成能力
type Capability string

const (
	CapabilityNone   Capability = ""
	CapabilityText   Capability = "text"
	CapabilityImage  Capability = "image"
	CapabilitySpeech Capability = "speech"
	CapabilityVideo  Capability = "video"
)

// ProviderChoice 选择主 provider 以及按顺序尝试的备用 provider
type ProviderChoice struct {
	Primary   string   `json:"primary" yaml:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty" yaml:"fallbacks"`
}

// Chain 返回去重后的尝试顺序
func (c ProviderChoice) Chain() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range append([]string{c.Primary}, c.Fallbacks...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// IsZero reports whether no provider was chosen.
func (c ProviderChoice) IsZero() bool {
	return len(c.Chain()) == 0
}

// Credentials maps provider name -> API key.
type Credentials map[string]string

// ProjectConfig 创建时确定，之后不可修改
type ProjectConfig struct {
	Prompt      string                        `json:"prompt"`
	Steps       []StepType                    `json:"steps"`
	Providers   map[Capability]ProviderChoice `json:"providers,omitempty"`
	Credentials Credentials                   `json:"credentials,omitempty"`
	Style       string                        `json:"style"`
	AspectRatio string                        `json:"aspectRatio"`
	Duration    int                           `json:"duration"` // 秒
	ShotCount   int                           `json:"shotCount"`
	Voice       string                        `json:"voice,omitempty"`
	AutoProceed bool                          `json:"autoProceed"`
}

// Normalize 校验步骤类型并按固定顺序排列；空列表表示启用全部步骤
func (c ProjectConfig) Normalize() (ProjectConfig, error) {
	out := c.Clone()
	if out.ShotCount <= 0 {
		out.ShotCount = DefaultShotCount
	}
	if len(out.Steps) == 0 {
		out.Steps = append([]StepType(nil), StepOrder...)
		return out, nil
	}
	enabled := make(map[StepType]bool, len(out.Steps))
	for _, st := range out.Steps {
		if !st.Valid() {
			return out, fmt.Errorf("unknown step type %q", st)
		}
		if enabled[st] {
			return out, fmt.Errorf("duplicate step type %q", st)
		}
		enabled[st] = true
	}
	steps := make([]StepType, 0, len(enabled))
	for _, st := range StepOrder {
		if enabled[st] {
			steps = append(steps, st)
		}
	}
	out.Steps = steps
	return out, nil
}

// Clone 深拷贝，避免快照与内部状态共享 map/slice
func (c ProjectConfig) Clone() ProjectConfig {
	out := c
	out.Steps = append([]StepType(nil), c.Steps...)
	if c.Providers != nil {
		out.Providers = make(map[Capability]ProviderChoice, len(c.Providers))
		for k, v := range c.Providers {
			v.Fallbacks = append([]string(nil), v.Fallbacks...)
			out.Providers[k] = v
		}
	}
	if c.Credentials != nil {
		out.Credentials = make(Credentials, len(c.Credentials))
		for k, v := range c.Credentials {
			out.Credentials[k] = v
		}
	}
	return out
}

// 实现 driver.Valuer 接口
func (c ProjectConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// 实现 sql.Scanner 接口
func (c *ProjectConfig) Scan(value interface{}) error {
	return scanJSON(value, c)
}

type Project struct {
	ID               string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name             string        `json:"name"`
	Description      string        `json:"description"`
	Status           string        `gorm:"type:varchar(32);index" json:"status"`
	CurrentStepIndex int           `json:"currentStepIndex"`
	Config           ProjectConfig `gorm:"type:json" json:"config"`
	Steps            []Step        `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"steps"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

// NewProject 按配置生成固定顺序的步骤序列
func NewProject(id, name, description string, cfg ProjectConfig, now time.Time, newID func() string) Project {
	p := Project{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      ProjectStatusIdle,
		Config:      cfg.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, st := range cfg.Steps {
		p.Steps = append(p.Steps, Step{
			ID:        newID(),
			ProjectID: id,
			Position:  i,
			Type:      st,
			Name:      st.DisplayName(),
			Status:    StepStatusPending,
		})
	}
	return p
}

// Clone 返回完整的深拷贝
func (p Project) Clone() Project {
	out := p
	out.Config = p.Config.Clone()
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

// CurrentStep 返回当前指针指向的步骤；completed 时为 nil
func (p *Project) CurrentStep() *Step {
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.Steps) {
		return nil
	}
	return &p.Steps[p.CurrentStepIndex]
}

// PriorResults 汇总 index 之前已完成步骤的结果
func (p *Project) PriorResults(index int) map[StepType]StepResult {
	out := make(map[StepType]StepResult)
	for i := 0; i < index && i < len(p.Steps); i++ {
		s := p.Steps[i]
		if s.Status == StepStatusCompleted && s.Result != nil {
			out[s.Type] = s.Result.Clone()
		}
	}
	return out
}

func scanJSON(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dst)
}
