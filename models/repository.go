package models

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository 把项目/步骤/任务镜像到数据库；内存中的 store 才是权威数据
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

var upsert = clause.OnConflict{UpdateAll: true}

// SaveProject 写入项目及其全部步骤（存在则覆盖）
func (r *Repository) SaveProject(p *Project) error {
	row := p.Clone()
	steps := row.Steps
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Clauses(upsert).Create(&row).Error; err != nil {
			return err
		}
		if len(steps) == 0 {
			return nil
		}
		return tx.Clauses(upsert).Create(&steps).Error
	})
}

func (r *Repository) DeleteProject(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&Step{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Project{}).Error
	})
}

func (r *Repository) ListProjects() ([]Project, error) {
	var projects []Project
	err := r.db.
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Order("created_at ASC").
		Find(&projects).Error
	return projects, err
}

func (r *Repository) SaveTask(t *GenerationTask) error {
	row := t.Clone()
	return r.db.Clauses(upsert).Create(&row).Error
}

func (r *Repository) DeleteTask(id string) error {
	return r.db.Where("id = ?", id).Delete(&GenerationTask{}).Error
}

func (r *Repository) ListTasks() ([]GenerationTask, error) {
	var tasks []GenerationTask
	err := r.db.Order("created_at ASC").Find(&tasks).Error
	return tasks, err
}
