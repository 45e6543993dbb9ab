package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"StoryFlow-server/models"

	"github.com/google/uuid"
)

type TaskRepository interface {
	SaveTask(*models.GenerationTask) error
	DeleteTask(id string) error
	ListTasks() ([]models.GenerationTask, error)
}

// TaskRegistry 是生成任务状态的唯一持有者。
// 写操作只由 GenerationExecutor 调用；每次变化都会落库并发布 taskUpdate 事件。
type TaskRegistry struct {
	mu      sync.Mutex
	tasks   map[string]*models.GenerationTask
	order   []string
	cancels map[string]context.CancelFunc
	repo    TaskRepository
	bus     *EventBus
	now     func() time.Time
}

func NewTaskRegistry(repo TaskRepository, bus *EventBus) *TaskRegistry {
	return &TaskRegistry{
		tasks:   make(map[string]*models.GenerationTask),
		cancels: make(map[string]context.CancelFunc),
		repo:    repo,
		bus:     bus,
		now:     time.Now,
	}
}

// Load 从数据库恢复任务；重启前未结束的任务已没有执行者，标记为 failed
func (r *TaskRegistry) Load() (int, error) {
	if r.repo == nil {
		return 0, nil
	}
	tasks, err := r.repo.ListTasks()
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	interrupted := 0
	for i := range tasks {
		t := tasks[i]
		if !t.Terminal() {
			t.Status = models.TaskStatusFailed
			t.Error = "interrupted by restart"
			at := r.now()
			t.FinishedAt = &at
			r.persist(&t)
			interrupted++
		}
		if _, ok := r.tasks[t.ID]; !ok {
			r.order = append(r.order, t.ID)
		}
		r.tasks[t.ID] = &t
	}
	return interrupted, nil
}

func (r *TaskRegistry) Get(id string) (models.GenerationTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return models.GenerationTask{}, false
	}
	return t.Clone(), true
}

// List 按创建顺序返回快照
func (r *TaskRegistry) List() []models.GenerationTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.GenerationTask, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].Clone())
	}
	return out
}

func (r *TaskRegistry) create(kind string, opts models.GenerationOptions) models.GenerationTask {
	now := r.now()
	t := &models.GenerationTask{
		ID:        uuid.NewString(),
		Kind:      kind,
		Options:   opts.Clone(),
		Status:    models.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	r.persist(t)
	r.publish(t)
	return t.Clone()
}

// attach 为非终态任务登记取消函数；任务已结束时返回错误
func (r *TaskRegistry) attach(id string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status == models.TaskStatusCancelled {
		return fmt.Errorf("task %s: %w", id, ErrCancelled)
	}
	if t.Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrInvalidState)
	}
	r.cancels[id] = cancel
	return nil
}

// transition 按状态表推进任务；终态时清理取消函数
func (r *TaskRegistry) transition(id, to string, mutate func(*models.GenerationTask)) (models.GenerationTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return models.GenerationTask{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err := models.ValidateTaskTransition(t.Status, to); err != nil {
		return t.Clone(), fmt.Errorf("%v: %w", err, ErrInvalidState)
	}
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = r.now()
	if models.IsTerminalTask(to) {
		at := t.UpdatedAt
		t.FinishedAt = &at
		if to == models.TaskStatusCompleted {
			t.Progress = 100
		}
		delete(r.cancels, id)
	}
	r.persist(t)
	r.publish(t)
	return t.Clone(), nil
}

// setProgress 只接受 processing 状态下的递增进度
func (r *TaskRegistry) setProgress(id string, progress int) {
	if progress > 100 {
		progress = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != models.TaskStatusProcessing || progress <= t.Progress {
		return
	}
	t.Progress = progress
	t.UpdatedAt = r.now()
	r.persist(t)
	r.publish(t)
}

// cancel 取消 pending/processing 任务；终态任务返回 false
func (r *TaskRegistry) cancel(id string) (models.GenerationTask, bool, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return models.GenerationTask{}, false, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Terminal() {
		snapshot := t.Clone()
		r.mu.Unlock()
		return snapshot, false, nil
	}
	cancelFn := r.cancels[id]
	r.mu.Unlock()

	snapshot, err := r.transition(id, models.TaskStatusCancelled, func(t *models.GenerationTask) {
		t.Error = ""
	})
	if err != nil {
		// 与执行者的终态写入竞争失败，任务已结束
		return snapshot, false, nil
	}
	if cancelFn != nil {
		cancelFn()
	}
	return snapshot, true, nil
}

func (r *TaskRegistry) remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if !t.Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrInvalidState)
	}
	delete(r.tasks, id)
	delete(r.cancels, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.repo != nil {
		if err := r.repo.DeleteTask(id); err != nil {
			log.Printf("[Registry] delete task %s failed: %v", id, err)
		}
	}
	return nil
}

func (r *TaskRegistry) persist(t *models.GenerationTask) {
	if r.repo == nil {
		return
	}
	if err := r.repo.SaveTask(t); err != nil {
		log.Printf("[Registry] persist task %s failed: %v", t.ID, err)
	}
}

func (r *TaskRegistry) publish(t *models.GenerationTask) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(Event{
		Type:     EventTaskUpdate,
		TaskID:   t.ID,
		Status:   t.Status,
		Progress: t.Progress,
		Error:    t.Error,
		At:       t.UpdatedAt,
	})
}
