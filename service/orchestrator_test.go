package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/provider"
)

func threeStepConfig() models.ProjectConfig {
	return models.ProjectConfig{
		Prompt:      "A fox learns to fly.",
		Steps:       []models.StepType{models.StepExport, models.StepScript, models.StepImage},
		AutoProceed: true,
	}
}

func TestRunWorkflowPublishesStepsInOrder(t *testing.T) {
	text := newFakeProvider("writer", nil, models.CapabilityText)
	img := newFakeProvider("painter", nil, models.CapabilityImage)
	env := newTestEnv(t, 2, text, img)

	p, err := env.orch.CreateProject("fox", "", threeStepConfig())
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if got := []models.StepType{p.Steps[0].Type, p.Steps[1].Type, p.Steps[2].Type}; got[0] != models.StepScript || got[1] != models.StepImage || got[2] != models.StepExport {
		t.Fatalf("steps not in canonical order: %v", got)
	}
	if p.Status != models.ProjectStatusIdle || p.CurrentStepIndex != 0 {
		t.Fatalf("unexpected initial state %s/%d", p.Status, p.CurrentStepIndex)
	}

	sub := env.orch.Subscribe()
	defer sub.Close()
	if err := env.orch.RunWorkflow(context.Background(), p.ID); err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	want := []string{
		"stepStart(script)", "stepComplete(script)",
		"stepStart(image)", "stepComplete(image)",
		"stepStart(export)", "stepComplete(export)",
		"workflowComplete",
	}
	if got := lifecycle(drain(sub), p.ID); !equalStrings(got, want) {
		t.Fatalf("events:\n got %v\nwant %v", got, want)
	}

	final, _ := env.orch.GetProject(p.ID)
	if final.Status != models.ProjectStatusCompleted || final.CurrentStepIndex != 3 {
		t.Fatalf("final state %s/%d", final.Status, final.CurrentStepIndex)
	}
	for _, s := range final.Steps {
		if s.Status != models.StepStatusCompleted || s.Progress != 100 || s.Result == nil {
			t.Errorf("step %s: status=%s progress=%d result=%v", s.Type, s.Status, s.Progress, s.Result)
		}
	}
	// 剧本拆成两段，生成两张图
	if n := len(final.Steps[1].Result.Artifacts); n != 2 {
		t.Errorf("image artifacts = %d, want 2", n)
	}
}

func TestStepFailureStopsWorkflowAndResumeRetriesOnlyFailedStep(t *testing.T) {
	text := newFakeProvider("writer", nil, models.CapabilityText)
	img := newFakeProvider("painter", func(ctx context.Context, req provider.Request, key string, progress provider.ProgressFunc) (provider.Response, error) {
		return provider.Response{}, provider.Rejected("painter", "quota exceeded")
	}, models.CapabilityImage)
	env := newTestEnv(t, 2, text, img)

	p, err := env.orch.CreateProject("fox", "", threeStepConfig())
	if err != nil {
		t.Fatal(err)
	}
	sub := env.orch.Subscribe()
	defer sub.Close()

	err = env.orch.RunWorkflow(context.Background(), p.ID)
	if !errors.Is(err, provider.ErrRejected) {
		t.Fatalf("expected ProviderRejected, got %v", err)
	}
	want := []string{"stepStart(script)", "stepComplete(script)", "stepStart(image)", "stepFail(image)", "workflowFail"}
	if got := lifecycle(drain(sub), p.ID); !equalStrings(got, want) {
		t.Fatalf("events:\n got %v\nwant %v", got, want)
	}

	failed, _ := env.orch.GetProject(p.ID)
	if failed.Status != models.ProjectStatusFailed || failed.CurrentStepIndex != 1 {
		t.Fatalf("state %s/%d", failed.Status, failed.CurrentStepIndex)
	}
	if s := failed.Steps[1]; s.Status != models.StepStatusFailed || !strings.Contains(s.Error, "quota exceeded") {
		t.Fatalf("image step = %s %q", s.Status, s.Error)
	}
	if s := failed.Steps[2]; s.Status != models.StepStatusPending {
		t.Fatalf("export step started after failure: %s", s.Status)
	}

	// 运行中以外的非法调用
	if err := env.orch.PauseWorkflow(p.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pause on failed project: %v", err)
	}

	img.setFunc(nil)
	if err := env.orch.ResumeWorkflow(context.Background(), p.ID); err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	done, _ := env.orch.GetProject(p.ID)
	if done.Status != models.ProjectStatusCompleted || done.CurrentStepIndex != 3 {
		t.Fatalf("after resume %s/%d", done.Status, done.CurrentStepIndex)
	}
	if done.Steps[1].Error != "" {
		t.Errorf("error not cleared: %q", done.Steps[1].Error)
	}
	if n := text.calls.Load(); n != 1 {
		t.Errorf("script step ran %d times, want 1", n)
	}

	if err := env.orch.RunWorkflow(context.Background(), p.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("run on completed project: %v", err)
	}
	if err := env.orch.ResumeWorkflow(context.Background(), p.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume on completed project: %v", err)
	}
}

func TestPauseTakesEffectAtStepBoundary(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	text := newFakeProvider("writer", func(ctx context.Context, req provider.Request, key string, progress provider.ProgressFunc) (provider.Response, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return provider.Response{}, ctx.Err()
		}
		progress(60)
		return provider.Response{Text: "Only scene."}, nil
	}, models.CapabilityText)
	img := newFakeProvider("painter", nil, models.CapabilityImage)
	env := newTestEnv(t, 2, text, img)

	p, err := env.orch.CreateProject("fox", "", threeStepConfig())
	if err != nil {
		t.Fatal(err)
	}
	sub := env.orch.Subscribe()
	defer sub.Close()

	if err := env.orch.StartWorkflow(p.ID); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := env.orch.PauseWorkflow(p.ID); err != nil {
		t.Fatalf("PauseWorkflow: %v", err)
	}
	mid, _ := env.orch.GetProject(p.ID)
	if mid.Status != models.ProjectStatusRunning || mid.Steps[0].Status != models.StepStatusRunning {
		t.Fatalf("pause preempted the running step: %s/%s", mid.Status, mid.Steps[0].Status)
	}

	close(release)
	waitEvent(t, sub, func(ev Event) bool { return ev.ProjectID == p.ID && ev.Type == EventWorkflowPaused })

	paused, _ := env.orch.GetProject(p.ID)
	if paused.Status != models.ProjectStatusPaused || paused.CurrentStepIndex != 1 {
		t.Fatalf("paused state %s/%d", paused.Status, paused.CurrentStepIndex)
	}
	if paused.Steps[0].Status != models.StepStatusCompleted || paused.Steps[1].Status != models.StepStatusPending {
		t.Fatalf("steps %s/%s", paused.Steps[0].Status, paused.Steps[1].Status)
	}
	if err := env.orch.PauseWorkflow(p.ID); err != nil {
		t.Fatalf("pause on paused project should be a no-op: %v", err)
	}

	if err := env.orch.ResumeWorkflow(context.Background(), p.ID); err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	final, _ := env.orch.GetProject(p.ID)
	if final.Status != models.ProjectStatusCompleted {
		t.Fatalf("final status %s", final.Status)
	}
}

func TestPausedAndResumedMatchesUninterruptedRun(t *testing.T) {
	text := newFakeProvider("writer", nil, models.CapabilityText)
	media := newFakeProvider("media", nil, models.CapabilityImage, models.CapabilitySpeech, models.CapabilityVideo)
	env := newTestEnv(t, 3, text, media)

	cfg := models.ProjectConfig{Prompt: "A fox learns to fly.", AutoProceed: true}
	straight, err := env.orch.CreateProject("straight", "", cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg.AutoProceed = false
	stepped, err := env.orch.CreateProject("stepped", "", cfg)
	if err != nil {
		t.Fatal(err)
	}

	sub := env.orch.Subscribe()
	defer sub.Close()

	if err := env.orch.RunWorkflow(context.Background(), straight.ID); err != nil {
		t.Fatalf("straight run: %v", err)
	}
	if err := env.orch.RunWorkflow(context.Background(), stepped.ID); err != nil {
		t.Fatalf("stepped run: %v", err)
	}
	for i := 0; i < len(models.StepOrder)+1; i++ {
		p, _ := env.orch.GetProject(stepped.ID)
		if p.Status == models.ProjectStatusCompleted {
			break
		}
		if p.Status != models.ProjectStatusPaused {
			t.Fatalf("stepped project is %s", p.Status)
		}
		if err := env.orch.ResumeWorkflow(context.Background(), stepped.ID); err != nil {
			t.Fatalf("resume: %v", err)
		}
	}

	events := drain(sub)
	completed := func(id string) []string {
		var out []string
		for _, ev := range events {
			if ev.ProjectID == id && ev.Type == EventStepComplete {
				out = append(out, string(ev.StepType))
			}
		}
		return out
	}
	a, b := completed(straight.ID), completed(stepped.ID)
	if len(a) != len(models.StepOrder) || !equalStrings(a, b) {
		t.Fatalf("completion order differs:\n straight %v\n stepped  %v", a, b)
	}
	final, _ := env.orch.GetProject(stepped.ID)
	if final.Status != models.ProjectStatusCompleted || final.CurrentStepIndex != len(models.StepOrder) {
		t.Fatalf("stepped final %s/%d", final.Status, final.CurrentStepIndex)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	text := newFakeProvider("writer", func(ctx context.Context, req provider.Request, key string, progress provider.ProgressFunc) (provider.Response, error) {
		started <- struct{}{}
		<-release
		return provider.Response{Text: "Only scene."}, nil
	}, models.CapabilityText)
	env := newTestEnv(t, 2, text)

	p, err := env.orch.CreateProject("fox", "", models.ProjectConfig{
		Prompt:      "fox",
		Steps:       []models.StepType{models.StepScript},
		AutoProceed: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.orch.RunWorkflow(context.Background(), p.ID)
		}()
	}
	<-started
	waitFor(t, "rejected callers", func() bool { return len(errs) == callers-1 })
	close(release)
	wg.Wait()
	close(errs)

	ok, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRunning):
			rejected++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || rejected != callers-1 {
		t.Fatalf("ok=%d rejected=%d", ok, rejected)
	}
	if n := text.calls.Load(); n != 1 {
		t.Fatalf("script executed %d times", n)
	}
}

func TestDeleteProjectCancelsInFlightTask(t *testing.T) {
	started := make(chan struct{}, 1)
	img := newFakeProvider("painter", blockUntilCancelled(started), models.CapabilityImage)
	env := newTestEnv(t, 2, img)

	p, err := env.orch.CreateProject("fox", "", models.ProjectConfig{
		Prompt:      "A fox.",
		Steps:       []models.StepType{models.StepImage, models.StepExport},
		AutoProceed: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	sub := env.orch.Subscribe()
	defer sub.Close()

	if err := env.orch.StartWorkflow(p.ID); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := env.orch.DeleteProject(context.Background(), p.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := env.orch.GetProject(p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("project still visible: %v", err)
	}

	tasks := env.gen.GetAllTasks()
	if len(tasks) != 1 || tasks[0].Status != models.TaskStatusCancelled {
		t.Fatalf("tasks after delete: %+v", tasks)
	}
	for _, ev := range drain(sub) {
		if ev.ProjectID == p.ID && (ev.Type == EventStepFail || ev.Type == EventWorkflowFail) {
			t.Fatalf("deletion published %s", ev.Type)
		}
	}
	if err := env.orch.DeleteProject(context.Background(), p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	text := newFakeProvider("writer", nil, models.CapabilityText)
	env := newTestEnv(t, 1, text)

	cases := []struct {
		name    string
		project string
		cfg     models.ProjectConfig
	}{
		{"empty name", " ", models.ProjectConfig{Prompt: "x"}},
		{"empty prompt", "p", models.ProjectConfig{}},
		{"unknown step", "p", models.ProjectConfig{Prompt: "x", Steps: []models.StepType{"mix"}}},
		{"duplicate step", "p", models.ProjectConfig{Prompt: "x", Steps: []models.StepType{models.StepScript, models.StepScript}}},
		{"auto proceed without image provider", "p", models.ProjectConfig{Prompt: "x", Steps: []models.StepType{models.StepScript, models.StepImage}, AutoProceed: true}},
		{"auto proceed with unknown primary", "p", models.ProjectConfig{
			Prompt: "x", Steps: []models.StepType{models.StepScript}, AutoProceed: true,
			Providers: map[models.Capability]models.ProviderChoice{models.CapabilityText: {Primary: "nobody"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.orch.CreateProject(tc.project, "", tc.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
	if n := len(env.orch.GetAllProjects()); n != 0 {
		t.Fatalf("%d projects created by invalid calls", n)
	}

	// 没有 autoProceed 时允许缺少 provider，失败会在运行时记录
	p, err := env.orch.CreateProject("manual", "", models.ProjectConfig{Prompt: "x", Steps: []models.StepType{models.StepImage}})
	if err != nil {
		t.Fatalf("manual project: %v", err)
	}
	if err := env.orch.RunWorkflow(context.Background(), p.ID); !errors.Is(err, provider.ErrNoProviderConfigured) {
		t.Fatalf("expected NoProviderConfigured, got %v", err)
	}
	if _, err := env.orch.CreateProject("cred", "", models.ProjectConfig{
		Prompt: "x", Steps: []models.StepType{models.StepScript}, AutoProceed: true,
		Credentials: models.Credentials{"writer": "project-key"},
	}); err != nil {
		t.Fatalf("project credential: %v", err)
	}
}

func TestUnknownProjectErrors(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	if err := env.orch.RunWorkflow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("run: %v", err)
	}
	if err := env.orch.ResumeWorkflow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("resume: %v", err)
	}
	if err := env.orch.PauseWorkflow("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pause: %v", err)
	}
	if err := env.orch.DeleteProject(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete: %v", err)
	}
	if _, err := env.orch.EstimateProject("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("estimate: %v", err)
	}
}

func TestResumeRequiresPausedOrFailed(t *testing.T) {
	env := newTestEnv(t, 1, newFakeProvider("writer", nil, models.CapabilityText))
	p, err := env.orch.CreateProject("fox", "", models.ProjectConfig{Prompt: "x", Steps: []models.StepType{models.StepScript}})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.orch.ResumeWorkflow(context.Background(), p.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume idle: %v", err)
	}
	again, _ := env.orch.GetProject(p.ID)
	if again.Status != models.ProjectStatusIdle {
		t.Fatalf("rejected resume mutated status to %s", again.Status)
	}
}

func TestGetProjectIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 1, newFakeProvider("writer", nil, models.CapabilityText))
	p, err := env.orch.CreateProject("fox", "d", models.ProjectConfig{Prompt: "x", Steps: []models.StepType{models.StepScript}, AutoProceed: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.orch.RunWorkflow(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	a, _ := env.orch.GetProject(p.ID)
	b, _ := env.orch.GetProject(p.ID)
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Fatalf("snapshots differ:\n%s\n%s", ja, jb)
	}
	// 修改快照不影响内部状态
	a.Steps[0].Result.Text = "mutated"
	c, _ := env.orch.GetProject(p.ID)
	if c.Steps[0].Result.Text == "mutated" {
		t.Fatal("snapshot shares memory with the store")
	}
}

func TestEstimateProjectSumsRemainingSteps(t *testing.T) {
	env := newTestEnv(t, 1, newFakeProvider("writer", nil, models.CapabilityText))
	p, err := env.orch.CreateProject("fox", "", models.ProjectConfig{
		Prompt:    "a\n\nb\n\nc",
		Steps:     []models.StepType{models.StepScript, models.StepImage, models.StepEdit},
		ShotCount: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	est, err := env.orch.EstimateProject(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(est.Steps) != 3 {
		t.Fatalf("estimated %d steps", len(est.Steps))
	}
	// script 1 次 + image 2 次（段落数受 shotCount 限制）
	if est.Total.ProviderCalls != 3 {
		t.Fatalf("provider calls = %d, want 3", est.Total.ProviderCalls)
	}
}

func TestDeleteWithExpiredContextStillDeletes(t *testing.T) {
	started := make(chan struct{}, 1)
	// 取消后 provider 还要一段时间才返回
	img := newFakeProvider("painter", func(ctx context.Context, req provider.Request, key string, progress provider.ProgressFunc) (provider.Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(200 * time.Millisecond)
		return provider.Response{}, ctx.Err()
	}, models.CapabilityImage)
	env := newTestEnv(t, 2, img)

	p, err := env.orch.CreateProject("fox", "", models.ProjectConfig{
		Prompt:      "A fox.",
		Steps:       []models.StepType{models.StepImage, models.StepExport},
		AutoProceed: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.orch.StartWorkflow(p.ID); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := env.orch.DeleteProject(ctx, p.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("DeleteProject: %v", err)
	}
	// 删除完成前不能重新启动
	if err := env.orch.RunWorkflow(context.Background(), p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("run during pending delete: %v", err)
	}

	waitFor(t, "project removed", func() bool {
		_, err := env.orch.GetProject(p.ID)
		return errors.Is(err, ErrNotFound)
	})
	if err := env.orch.RunWorkflow(context.Background(), p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("run after delete: %v", err)
	}
	if err := env.orch.ResumeWorkflow(context.Background(), p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resume after delete: %v", err)
	}
	waitFor(t, "task cancelled", func() bool {
		tasks := env.gen.GetAllTasks()
		return len(tasks) == 1 && tasks[0].Status == models.TaskStatusCancelled
	})
}

// gatedRepo 在 armed 时阻塞指定项目的落库
type gatedRepo struct {
	mu      sync.Mutex
	blockID string
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRepo) arm(id string) {
	r.mu.Lock()
	r.blockID = id
	r.mu.Unlock()
}

func (r *gatedRepo) SaveProject(p *models.Project) error {
	r.mu.Lock()
	block := r.blockID != "" && r.blockID == p.ID
	if block {
		r.blockID = ""
	}
	r.mu.Unlock()
	if block {
		r.entered <- struct{}{}
		<-r.release
	}
	return nil
}

func (r *gatedRepo) DeleteProject(string) error { return nil }

func (r *gatedRepo) ListProjects() ([]models.Project, error) { return nil, nil }

func TestSlowPersistDoesNotBlockOtherProjects(t *testing.T) {
	text := newFakeProvider("writer", nil, models.CapabilityText)
	env := newTestEnv(t, 2, text)
	repo := &gatedRepo{entered: make(chan struct{}, 1), release: make(chan struct{})}
	env.store = NewProjectStore(repo)
	env.orch = NewOrchestrator(env.store, env.steps, env.providers, env.bus)

	cfg := models.ProjectConfig{Prompt: "A fox.", Steps: []models.StepType{models.StepScript}, AutoProceed: true}
	a, err := env.orch.CreateProject("a", "", cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.orch.CreateProject("b", "", cfg)
	if err != nil {
		t.Fatal(err)
	}

	repo.arm(a.ID)
	errA := make(chan error, 1)
	go func() { errA <- env.orch.RunWorkflow(context.Background(), a.ID) }()
	<-repo.entered

	errB := make(chan error, 1)
	go func() { errB <- env.orch.RunWorkflow(context.Background(), b.ID) }()
	select {
	case err := <-errB:
		if err != nil {
			t.Fatalf("run b: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run b blocked behind a's persist")
	}
	if err := env.orch.RunWorkflow(context.Background(), a.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second run of a: %v", err)
	}

	close(repo.release)
	select {
	case err := <-errA:
		if err != nil {
			t.Fatalf("run a: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run a never finished")
	}
	if got, _ := env.orch.GetProject(a.ID); got.Status != models.ProjectStatusCompleted {
		t.Fatalf("a status = %s", got.Status)
	}
}
