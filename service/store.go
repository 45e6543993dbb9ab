package service

import (
	"fmt"
	"log"
	"sync"
	"time"

	"StoryFlow-server/models"
)

type ProjectRepository interface {
	SaveProject(*models.Project) error
	DeleteProject(id string) error
	ListProjects() ([]models.Project, error)
}

// ProjectStore 内存中的项目表（权威数据），每次修改后镜像到数据库。
// 只有 Orchestrator 调用写方法。
type ProjectStore struct {
	mu       sync.RWMutex
	projects map[string]*projectEntry
	order    []string
	repo     ProjectRepository
	now      func() time.Time
}

type projectEntry struct {
	mu      sync.Mutex
	project models.Project
	deleted bool
}

func NewProjectStore(repo ProjectRepository) *ProjectStore {
	return &ProjectStore{
		projects: make(map[string]*projectEntry),
		repo:     repo,
		now:      time.Now,
	}
}

// Load 冷启动时从数据库恢复。
// 持久化为 running 的项目已没有执行者：项目改为 paused，运行中的步骤回到 pending，可以 resume。
func (s *ProjectStore) Load() (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	projects, err := s.repo.ListProjects()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	for i := range projects {
		p := projects[i]
		if p.Status == models.ProjectStatusRunning {
			p.Status = models.ProjectStatusPaused
			for j := range p.Steps {
				if p.Steps[j].Status == models.StepStatusRunning {
					p.Steps[j].Status = models.StepStatusPending
					p.Steps[j].Progress = 0
				}
			}
			p.UpdatedAt = s.now()
			s.persist(&p)
			recovered++
		}
		if _, ok := s.projects[p.ID]; !ok {
			s.order = append(s.order, p.ID)
		}
		s.projects[p.ID] = &projectEntry{project: p}
	}
	return recovered, nil
}

func (s *ProjectStore) Insert(p models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return fmt.Errorf("project %s already exists: %w", p.ID, ErrInvalidState)
	}
	entry := &projectEntry{project: p.Clone()}
	s.projects[p.ID] = entry
	s.order = append(s.order, p.ID)
	s.persist(&entry.project)
	return nil
}

func (s *ProjectStore) entry(id string) (*projectEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.projects[id]
	return e, ok
}

// Get 返回深拷贝快照
func (s *ProjectStore) Get(id string) (models.Project, bool) {
	e, ok := s.entry(id)
	if !ok {
		return models.Project{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Project{}, false
	}
	return e.project.Clone(), true
}

// List 按创建顺序返回快照
func (s *ProjectStore) List() []models.Project {
	s.mu.RLock()
	entries := make([]*projectEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.projects[id])
	}
	s.mu.RUnlock()

	out := make([]models.Project, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.project.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Update 在该项目的锁内修改副本；fn 返回错误时不做任何修改。
func (s *ProjectStore) Update(id string, fn func(p *models.Project) error) (models.Project, error) {
	return s.update(id, true, fn)
}

// UpdateTransient 只更新内存，用于高频的进度变化
func (s *ProjectStore) UpdateTransient(id string, fn func(p *models.Project) error) (models.Project, error) {
	return s.update(id, false, fn)
}

func (s *ProjectStore) update(id string, persist bool, fn func(p *models.Project) error) (models.Project, error) {
	e, ok := s.entry(id)
	if !ok {
		return models.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	next := e.project.Clone()
	if err := fn(&next); err != nil {
		return e.project.Clone(), err
	}
	next.UpdatedAt = s.now()
	e.project = next
	if persist {
		s.persist(&e.project)
	}
	return e.project.Clone(), nil
}

func (s *ProjectStore) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	delete(s.projects, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = true
	if s.repo != nil {
		if err := s.repo.DeleteProject(id); err != nil {
			log.Printf("[Store] delete project %s failed: %v", id, err)
		}
	}
	return nil
}

func (s *ProjectStore) persist(p *models.Project) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveProject(p); err != nil {
		log.Printf("[Store] persist project %s failed: %v", p.ID, err)
	}
}
