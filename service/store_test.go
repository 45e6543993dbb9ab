package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"StoryFlow-server/models"
)

func openTestRepo(t *testing.T) *models.Repository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := models.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if conn, err := db.DB(); err == nil {
			conn.Close()
		}
	})
	return models.NewRepository(db)
}

func TestProjectStorePersistsAndRecovers(t *testing.T) {
	repo := openTestRepo(t)
	store := NewProjectStore(repo)

	cfg, err := models.ProjectConfig{Prompt: "fox", Steps: []models.StepType{models.StepImage, models.StepScript}}.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	p := models.NewProject("p1", "fox", "", cfg, time.Now(), func() string { n++; return "s" + string(rune('0'+n)) })
	if err := store.Insert(p); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(p); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("duplicate insert: %v", err)
	}

	// 模拟进程在 image 步骤中途退出
	if _, err := store.Update("p1", func(p *models.Project) error {
		p.Status = models.ProjectStatusRunning
		p.Steps[0].Status = models.StepStatusCompleted
		p.Steps[0].Result = &models.StepResult{Kind: models.ResultText, Text: "Scene one."}
		p.Steps[1].Status = models.StepStatusRunning
		p.CurrentStepIndex = 1
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateTransient("p1", func(p *models.Project) error {
		p.Steps[1].Progress = 50
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	restarted := NewProjectStore(repo)
	recovered, err := restarted.Load()
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d", recovered)
	}
	got, ok := restarted.Get("p1")
	if !ok {
		t.Fatal("project not loaded")
	}
	if got.Status != models.ProjectStatusPaused || got.CurrentStepIndex != 1 {
		t.Fatalf("state %s/%d", got.Status, got.CurrentStepIndex)
	}
	if got.Steps[0].Type != models.StepScript || got.Steps[0].Result == nil || got.Steps[0].Result.Text != "Scene one." {
		t.Fatalf("script step = %+v", got.Steps[0])
	}
	if got.Steps[1].Status != models.StepStatusPending || got.Steps[1].Progress != 0 {
		t.Fatalf("image step = %+v", got.Steps[1])
	}
	if got.Config.Prompt != "fox" || len(got.Config.Steps) != 2 {
		t.Fatalf("config = %+v", got.Config)
	}

	if err := restarted.Delete("p1"); err != nil {
		t.Fatal(err)
	}
	projects, err := repo.ListProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Fatalf("%d projects left in db", len(projects))
	}
}

func TestProjectStoreUpdateRollsBackOnError(t *testing.T) {
	store := NewProjectStore(nil)
	cfg, _ := models.ProjectConfig{Prompt: "fox", Steps: []models.StepType{models.StepScript}}.Normalize()
	if err := store.Insert(models.NewProject("p1", "fox", "", cfg, time.Now(), func() string { return "s1" })); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	_, err := store.Update("p1", func(p *models.Project) error {
		p.Status = models.ProjectStatusFailed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if got, _ := store.Get("p1"); got.Status != models.ProjectStatusIdle {
		t.Fatalf("status changed to %s", got.Status)
	}
	if err := store.Delete("p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Update("p1", func(*models.Project) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update deleted: %v", err)
	}
	if err := store.Delete("p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestColdStartResumeContinuesFromPersistedStep(t *testing.T) {
	repo := openTestRepo(t)
	text := newFakeProvider("writer", nil, models.CapabilityText)
	img := newFakeProvider("painter", nil, models.CapabilityImage)

	first := newTestEnv(t, 1, text, img)
	first.store = NewProjectStore(repo)
	first.orch = NewOrchestrator(first.store, first.steps, first.providers, first.bus)
	p, err := first.orch.CreateProject("fox", "", models.ProjectConfig{
		Prompt: "A fox.",
		Steps:  []models.StepType{models.StepScript, models.StepImage},
	})
	if err != nil {
		t.Fatal(err)
	}
	// autoProceed=false：执行完 script 后暂停
	if err := first.orch.RunWorkflow(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}

	second := newTestEnv(t, 1, text, img)
	second.store = NewProjectStore(repo)
	if _, err := second.store.Load(); err != nil {
		t.Fatal(err)
	}
	second.orch = NewOrchestrator(second.store, second.steps, second.providers, second.bus)

	loaded, err := second.orch.GetProject(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.ProjectStatusPaused || loaded.CurrentStepIndex != 1 {
		t.Fatalf("loaded %s/%d", loaded.Status, loaded.CurrentStepIndex)
	}
	if err := second.orch.ResumeWorkflow(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	final, _ := second.orch.GetProject(p.ID)
	if final.Status != models.ProjectStatusCompleted || final.CurrentStepIndex != 2 {
		t.Fatalf("final %s/%d", final.Status, final.CurrentStepIndex)
	}
	if text.calls.Load() != 1 {
		t.Fatalf("script ran %d times", text.calls.Load())
	}
}
