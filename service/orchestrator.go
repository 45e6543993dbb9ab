package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"StoryFlow-server/models"

	"github.com/google/uuid"
)

// errUnchanged 让 Update 回调放弃本次修改
var errUnchanged = errors.New("unchanged")

// Orchestrator 推进项目的步骤序列，是唯一修改 Project/Step 状态的组件
type Orchestrator struct {
	store     *ProjectStore
	steps     *StepExecutor
	providers *ProviderSet
	bus       *EventBus

	mu       sync.Mutex
	runs     map[string]*run
	deleting map[string]struct{}
}

// run 是一次进行中的推进
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	pause  atomic.Bool
	// 项目被删除：不再写状态，也不发布失败事件
	deleting atomic.Bool
	done     chan struct{}
}

func NewOrchestrator(store *ProjectStore, steps *StepExecutor, providers *ProviderSet, bus *EventBus) *Orchestrator {
	return &Orchestrator{
		store:     store,
		steps:     steps,
		providers: providers,
		bus:       bus,
		runs:      make(map[string]*run),
		deleting:  make(map[string]struct{}),
	}
}

// CreateProject 校验配置并按规范顺序生成步骤
func (o *Orchestrator) CreateProject(name, description string, cfg models.ProjectConfig) (models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Project{}, fmt.Errorf("project name is required: %w", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return models.Project{}, fmt.Errorf("prompt is required: %w", ErrInvalidConfig)
	}
	normalized, err := cfg.Normalize()
	if err != nil {
		return models.Project{}, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	if normalized.AutoProceed {
		for _, st := range normalized.Steps {
			c := st.Capability()
			if c == models.CapabilityNone {
				continue
			}
			if !o.providers.Usable(c, normalized.Providers[c], normalized.Credentials) {
				return models.Project{}, fmt.Errorf("step %s: no %s provider with a credential: %w", st, c, ErrInvalidConfig)
			}
		}
	}

	p := models.NewProject(uuid.NewString(), name, description, normalized, time.Now(), uuid.NewString)
	if err := o.store.Insert(p); err != nil {
		return models.Project{}, err
	}
	log.Printf("[Workflow] project %s created with %d steps", p.ID, len(p.Steps))
	return p.Clone(), nil
}

func (o *Orchestrator) GetProject(id string) (models.Project, error) {
	p, ok := o.store.Get(id)
	if !ok {
		return p, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (o *Orchestrator) GetAllProjects() []models.Project {
	return o.store.List()
}

func (o *Orchestrator) Subscribe() Subscription {
	return o.bus.Subscribe()
}

// RunWorkflow 开始或继续推进项目，阻塞直到完成、失败或暂停
func (o *Orchestrator) RunWorkflow(ctx context.Context, id string) error {
	r, err := o.begin(id, models.ProjectStatusIdle, models.ProjectStatusPaused, models.ProjectStatusFailed)
	if err != nil {
		return err
	}
	return o.execute(ctx, id, r)
}

// StartWorkflow 同步完成状态检查后在后台推进
func (o *Orchestrator) StartWorkflow(id string) error {
	r, err := o.begin(id, models.ProjectStatusIdle, models.ProjectStatusPaused, models.ProjectStatusFailed)
	if err != nil {
		return err
	}
	go o.background(id, r)
	return nil
}

// ResumeWorkflow 只接受 paused 或 failed；failed 时重试失败的步骤
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, id string) error {
	r, err := o.begin(id, models.ProjectStatusPaused, models.ProjectStatusFailed)
	if err != nil {
		return err
	}
	return o.execute(ctx, id, r)
}

func (o *Orchestrator) StartResume(id string) error {
	r, err := o.begin(id, models.ProjectStatusPaused, models.ProjectStatusFailed)
	if err != nil {
		return err
	}
	go o.background(id, r)
	return nil
}

func (o *Orchestrator) background(id string, r *run) {
	if err := o.execute(context.Background(), id, r); err != nil {
		log.Printf("[Workflow] project %s stopped: %v", id, err)
	}
}

// PauseWorkflow 请求在下一个步骤边界暂停，不打断正在执行的步骤
func (o *Orchestrator) PauseWorkflow(id string) error {
	o.mu.Lock()
	r, running := o.runs[id]
	if running {
		r.pause.Store(true)
	}
	o.mu.Unlock()
	if running {
		log.Printf("[Workflow] project %s pause requested", id)
		return nil
	}

	p, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if p.Status == models.ProjectStatusPaused {
		return nil
	}
	return fmt.Errorf("project %s is %s: %w", id, p.Status, ErrInvalidState)
}

// DeleteProject 取消进行中的步骤（包括其生成任务），等待退出后删除项目
func (o *Orchestrator) DeleteProject(ctx context.Context, id string) error {
	if _, ok := o.store.Get(id); !ok {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	o.mu.Lock()
	if _, busy := o.deleting[id]; busy {
		o.mu.Unlock()
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	o.deleting[id] = struct{}{}
	r := o.runs[id]
	o.mu.Unlock()

	if r != nil {
		r.deleting.Store(true)
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			// 取消已经发出：推进退出后在后台完成删除
			go func() {
				<-r.done
				if err := o.remove(id); err != nil {
					log.Printf("[Workflow] project %s delete failed: %v", id, err)
				}
			}()
			return ctx.Err()
		}
	}
	return o.remove(id)
}

// remove 删除项目并清除删除标记
func (o *Orchestrator) remove(id string) error {
	defer func() {
		o.mu.Lock()
		delete(o.deleting, id)
		o.mu.Unlock()
	}()
	if err := o.store.Delete(id); err != nil {
		return err
	}
	log.Printf("[Workflow] project %s deleted", id)
	return nil
}

// ProjectEstimate 剩余步骤的预估开销
type ProjectEstimate struct {
	ProjectID string         `json:"projectId"`
	Steps     []StepEstimate `json:"steps"`
	Total     Cost           `json:"total"`
}

type StepEstimate struct {
	StepID string          `json:"stepId"`
	Type   models.StepType `json:"type"`
	Cost   Cost            `json:"cost"`
}

func (o *Orchestrator) EstimateProject(id string) (ProjectEstimate, error) {
	p, ok := o.store.Get(id)
	if !ok {
		return ProjectEstimate{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	est := ProjectEstimate{ProjectID: id, Steps: []StepEstimate{}}
	for i, s := range p.Steps {
		if s.Status == models.StepStatusCompleted || s.Status == models.StepStatusSkipped {
			continue
		}
		c := o.steps.Estimate(StepInput{
			ProjectID:   p.ID,
			ProjectName: p.Name,
			Step:        s,
			Config:      p.Config,
			Prior:       p.PriorResults(i),
		})
		est.Steps = append(est.Steps, StepEstimate{StepID: s.ID, Type: s.Type, Cost: c})
		est.Total = est.Total.Add(c)
	}
	return est, nil
}

// Shutdown 取消所有进行中的推进；被打断的项目停在 paused，重启后可以 resume
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// begin 在锁内检查并登记推进，保证同一项目同时只有一个执行者；
// 落库的状态修改在锁外进行，登记失败时撤销
func (o *Orchestrator) begin(id string, allowed ...string) (*run, error) {
	o.mu.Lock()
	if _, ok := o.deleting[id]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if _, busy := o.runs[id]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("project %s: %w", id, ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	o.runs[id] = r
	o.mu.Unlock()

	_, err := o.store.Update(id, func(p *models.Project) error {
		if p.Status == models.ProjectStatusRunning {
			return fmt.Errorf("project %s: %w", id, ErrAlreadyRunning)
		}
		if !contains(allowed, p.Status) {
			return fmt.Errorf("project %s is %s: %w", id, p.Status, ErrInvalidState)
		}
		if err := models.ValidateProjectTransition(p.Status, models.ProjectStatusRunning); err != nil {
			return fmt.Errorf("%v: %w", err, ErrInvalidState)
		}
		// failed 的步骤回到 pending 重新执行
		if s := p.CurrentStep(); s != nil && s.Status == models.StepStatusFailed {
			s.Status = models.StepStatusPending
			s.Error = ""
			s.Progress = 0
		}
		p.Status = models.ProjectStatusRunning
		return nil
	})
	if err != nil {
		o.finish(id, r)
		return nil, err
	}
	return r, nil
}

func (o *Orchestrator) finish(id string, r *run) {
	o.mu.Lock()
	if o.runs[id] == r {
		delete(o.runs, id)
	}
	o.mu.Unlock()
	r.cancel()
	close(r.done)
}

// execute 按顺序执行步骤，直到完成、失败、暂停或被取消
func (o *Orchestrator) execute(ctx context.Context, id string, r *run) error {
	defer o.finish(id, r)
	if ctx != nil {
		stop := context.AfterFunc(ctx, r.cancel)
		defer stop()
	}

	executed := 0
	for {
		if r.deleting.Load() {
			return fmt.Errorf("project %s deleted: %w", id, ErrCancelled)
		}
		p, ok := o.store.Get(id)
		if !ok {
			return fmt.Errorf("project %s: %w", id, ErrNotFound)
		}

		if p.CurrentStepIndex >= len(p.Steps) {
			return o.complete(id)
		}
		if r.ctx.Err() != nil {
			return o.pause(id, fmt.Errorf("project %s interrupted: %w", id, ErrCancelled))
		}
		if r.pause.Load() || (executed > 0 && !p.Config.AutoProceed) {
			return o.pause(id, nil)
		}

		if err := o.runStep(r, p); err != nil {
			return err
		}
		executed++
	}
}

func (o *Orchestrator) runStep(r *run, p models.Project) error {
	id := p.ID
	idx := p.CurrentStepIndex
	stepType := p.Steps[idx].Type

	started, err := o.store.Update(id, func(p *models.Project) error {
		s := &p.Steps[idx]
		if err := models.ValidateStepTransition(s.Status, models.StepStatusRunning); err != nil {
			return err
		}
		s.Status = models.StepStatusRunning
		s.Progress = 0
		s.Error = ""
		s.Result = nil
		s.Duration = 0
		return nil
	})
	if err != nil {
		return o.abort(id, r, err)
	}
	o.bus.Publish(Event{Type: EventStepStart, ProjectID: id, StepType: stepType, Status: models.StepStatusRunning})
	log.Printf("[Workflow] project %s step %d (%s) started", id, idx, stepType)

	begin := time.Now()
	result, execErr := o.steps.Execute(r.ctx, StepInput{
		ProjectID:   id,
		ProjectName: started.Name,
		Step:        started.Steps[idx],
		Config:      started.Config,
		Prior:       started.PriorResults(idx),
	}, func(progress int) {
		o.reportProgress(r, id, idx, stepType, progress)
	})
	elapsed := time.Since(begin).Milliseconds()

	if r.deleting.Load() {
		return fmt.Errorf("project %s deleted: %w", id, ErrCancelled)
	}
	if execErr != nil && errors.Is(execErr, ErrCancelled) && r.ctx.Err() != nil {
		// 宿主取消（例如进程退出）：步骤回到 pending，项目停在 paused
		if _, err := o.store.Update(id, func(p *models.Project) error {
			s := &p.Steps[idx]
			if err := models.ValidateStepTransition(s.Status, models.StepStatusPending); err != nil {
				return err
			}
			s.Status = models.StepStatusPending
			s.Progress = 0
			return nil
		}); err != nil {
			return o.abort(id, r, err)
		}
		return o.pause(id, execErr)
	}

	if execErr != nil {
		msg := execErr.Error()
		if _, err := o.store.Update(id, func(p *models.Project) error {
			s := &p.Steps[idx]
			if err := models.ValidateStepTransition(s.Status, models.StepStatusFailed); err != nil {
				return err
			}
			if err := models.ValidateProjectTransition(p.Status, models.ProjectStatusFailed); err != nil {
				return err
			}
			s.Status = models.StepStatusFailed
			s.Error = msg
			s.Duration = elapsed
			p.Status = models.ProjectStatusFailed
			return nil
		}); err != nil {
			return o.abort(id, r, err)
		}
		o.bus.Publish(Event{Type: EventStepFail, ProjectID: id, StepType: stepType, Status: models.StepStatusFailed, Error: msg})
		o.bus.Publish(Event{Type: EventWorkflowFail, ProjectID: id, Status: models.ProjectStatusFailed, Error: msg})
		log.Printf("[Workflow] project %s step %s failed: %v", id, stepType, execErr)
		return fmt.Errorf("step %s: %w", stepType, execErr)
	}

	if _, err := o.store.Update(id, func(p *models.Project) error {
		s := &p.Steps[idx]
		if err := models.ValidateStepTransition(s.Status, models.StepStatusCompleted); err != nil {
			return err
		}
		res := result.Clone()
		s.Status = models.StepStatusCompleted
		s.Progress = 100
		s.Duration = elapsed
		s.Result = &res
		p.CurrentStepIndex = idx + 1
		return nil
	}); err != nil {
		return o.abort(id, r, err)
	}
	res := result.Clone()
	o.bus.Publish(Event{Type: EventStepComplete, ProjectID: id, StepType: stepType, Status: models.StepStatusCompleted, Progress: 100, Result: &res})
	log.Printf("[Workflow] project %s step %s completed in %dms", id, stepType, elapsed)
	return nil
}

// reportProgress 只在内存中更新进度并发布，不落库
func (o *Orchestrator) reportProgress(r *run, id string, idx int, stepType models.StepType, progress int) {
	if r.deleting.Load() {
		return
	}
	_, err := o.store.UpdateTransient(id, func(p *models.Project) error {
		s := &p.Steps[idx]
		if s.Status != models.StepStatusRunning || progress <= s.Progress {
			return errUnchanged
		}
		s.Progress = progress
		return nil
	})
	if err != nil {
		return
	}
	o.bus.Publish(Event{Type: EventStepProgress, ProjectID: id, StepType: stepType, Status: models.StepStatusRunning, Progress: progress})
}

func (o *Orchestrator) complete(id string) error {
	if _, err := o.store.Update(id, func(p *models.Project) error {
		if err := models.ValidateProjectTransition(p.Status, models.ProjectStatusCompleted); err != nil {
			return err
		}
		p.Status = models.ProjectStatusCompleted
		return nil
	}); err != nil {
		return err
	}
	o.bus.Publish(Event{Type: EventWorkflowComplete, ProjectID: id, Status: models.ProjectStatusCompleted, Progress: 100})
	log.Printf("[Workflow] project %s completed", id)
	return nil
}

// pause 在步骤边界把项目置为 paused；cause 非空时原样返回给调用方
func (o *Orchestrator) pause(id string, cause error) error {
	if _, err := o.store.Update(id, func(p *models.Project) error {
		if err := models.ValidateProjectTransition(p.Status, models.ProjectStatusPaused); err != nil {
			return err
		}
		p.Status = models.ProjectStatusPaused
		return nil
	}); err != nil {
		return err
	}
	o.bus.Publish(Event{Type: EventWorkflowPaused, ProjectID: id, Status: models.ProjectStatusPaused})
	log.Printf("[Workflow] project %s paused", id)
	return cause
}

// abort 处理推进过程中的意外错误：项目被删除时静默退出，否则记为 workflowFail
func (o *Orchestrator) abort(id string, r *run, cause error) error {
	if r.deleting.Load() || errors.Is(cause, ErrNotFound) {
		return fmt.Errorf("project %s: %w", id, ErrCancelled)
	}
	msg := cause.Error()
	_, _ = o.store.Update(id, func(p *models.Project) error {
		if s := p.CurrentStep(); s != nil && s.Status == models.StepStatusRunning {
			s.Status = models.StepStatusFailed
			s.Error = msg
		}
		if models.ValidateProjectTransition(p.Status, models.ProjectStatusFailed) == nil {
			p.Status = models.ProjectStatusFailed
		}
		return nil
	})
	o.bus.Publish(Event{Type: EventWorkflowFail, ProjectID: id, Status: models.ProjectStatusFailed, Error: msg})
	log.Printf("[Workflow] project %s aborted: %v", id, cause)
	return cause
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
