package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/provider"
)

// GenerationResult 是一次生成的最终结果
type GenerationResult struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Dispatcher 把已创建的任务交给执行者（进程内 goroutine 或 asynq 队列）
type Dispatcher interface {
	Dispatch(taskID string) error
}

type GenerationOption func(*GenerationExecutor)

func WithTimeouts(image, video time.Duration) GenerationOption {
	return func(e *GenerationExecutor) {
		if image > 0 {
			e.imageTimeout = image
		}
		if video > 0 {
			e.videoTimeout = video
		}
	}
}

// WithArtifactStore 开启 mirror 时把 provider 返回的资源转存到 store
func WithArtifactStore(store ArtifactStore, mirror bool) GenerationOption {
	return func(e *GenerationExecutor) {
		e.store = store
		e.mirror = mirror
	}
}

func WithDispatcher(d Dispatcher) GenerationOption {
	return func(e *GenerationExecutor) {
		e.dispatcher = d
	}
}

// GenerationExecutor 执行单个图片/视频生成请求：建任务、等槽位、调用 provider、写终态
type GenerationExecutor struct {
	registry  *TaskRegistry
	pool      *SlotPool
	providers *ProviderSet

	imageTimeout time.Duration
	videoTimeout time.Duration
	store        ArtifactStore
	mirror       bool
	dispatcher   Dispatcher

	// 密钥只保存在内存里，任务开始执行时取走
	credsMu sync.Mutex
	creds   map[string]models.Credentials
}

func NewGenerationExecutor(registry *TaskRegistry, pool *SlotPool, providers *ProviderSet, opts ...GenerationOption) *GenerationExecutor {
	e := &GenerationExecutor{
		registry:     registry,
		pool:         pool,
		providers:    providers,
		imageTimeout: 5 * time.Minute,
		videoTimeout: 20 * time.Minute,
		creds:        make(map[string]models.Credentials),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *GenerationExecutor) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

func (e *GenerationExecutor) GenerateImage(ctx context.Context, opts models.GenerationOptions, creds models.Credentials, onProgress provider.ProgressFunc) (GenerationResult, error) {
	return e.generate(ctx, models.TaskKindImage, opts, creds, onProgress)
}

func (e *GenerationExecutor) GenerateVideo(ctx context.Context, opts models.GenerationOptions, creds models.Credentials, onProgress provider.ProgressFunc) (GenerationResult, error) {
	return e.generate(ctx, models.TaskKindVideo, opts, creds, onProgress)
}

func (e *GenerationExecutor) generate(ctx context.Context, kind string, opts models.GenerationOptions, creds models.Credentials, onProgress provider.ProgressFunc) (GenerationResult, error) {
	task, err := e.CreateTask(kind, opts, creds)
	if err != nil {
		return GenerationResult{}, err
	}
	return e.RunTask(ctx, task.ID, onProgress)
}

// CreateTask 校验参数并创建 pending 任务
func (e *GenerationExecutor) CreateTask(kind string, opts models.GenerationOptions, creds models.Credentials) (models.GenerationTask, error) {
	switch kind {
	case models.TaskKindImage:
		if strings.TrimSpace(opts.Prompt) == "" {
			return models.GenerationTask{}, fmt.Errorf("image prompt is required: %w", ErrInvalidConfig)
		}
	case models.TaskKindVideo:
		if strings.TrimSpace(opts.Prompt) == "" && opts.ImageURL == "" {
			return models.GenerationTask{}, fmt.Errorf("video needs a prompt or an image url: %w", ErrInvalidConfig)
		}
	default:
		return models.GenerationTask{}, fmt.Errorf("unknown task kind %q: %w", kind, ErrInvalidConfig)
	}
	task := e.registry.create(kind, opts)
	if len(creds) > 0 {
		c := make(models.Credentials, len(creds))
		for k, v := range creds {
			c[k] = v
		}
		e.credsMu.Lock()
		e.creds[task.ID] = c
		e.credsMu.Unlock()
	}
	return task, nil
}

// Submit 创建任务并交给 dispatcher 异步执行
func (e *GenerationExecutor) Submit(kind string, opts models.GenerationOptions, creds models.Credentials) (models.GenerationTask, error) {
	task, err := e.CreateTask(kind, opts, creds)
	if err != nil {
		return task, err
	}
	if e.dispatcher == nil {
		go func() {
			if _, err := e.RunTask(context.Background(), task.ID, nil); err != nil {
				log.Printf("[Generation] task %s ended: %v", task.ID, err)
			}
		}()
		return task, nil
	}
	if err := e.dispatcher.Dispatch(task.ID); err != nil {
		e.takeCreds(task.ID)
		failed, _ := e.registry.transition(task.ID, models.TaskStatusFailed, func(t *models.GenerationTask) {
			t.Error = fmt.Sprintf("dispatch failed: %v", err)
		})
		return failed, err
	}
	return task, nil
}

func (e *GenerationExecutor) takeCreds(id string) models.Credentials {
	e.credsMu.Lock()
	defer e.credsMu.Unlock()
	c := e.creds[id]
	delete(e.creds, id)
	return c
}

func (e *GenerationExecutor) timeoutFor(kind string) time.Duration {
	if kind == models.TaskKindVideo {
		return e.videoTimeout
	}
	return e.imageTimeout
}

// budget 返回 n 次该类生成调用的时限之和
func (e *GenerationExecutor) budget(kind string, n int) time.Duration {
	if e == nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * e.timeoutFor(kind)
}

// RunTask 执行一个 pending 任务直到终态。
// ctx 被取消（例如项目删除）时任务记为 cancelled；超时记为 failed(ProviderTimeout)。
func (e *GenerationExecutor) RunTask(ctx context.Context, id string, onProgress provider.ProgressFunc) (GenerationResult, error) {
	creds := e.takeCreds(id)
	task, ok := e.registry.Get(id)
	if !ok {
		return GenerationResult{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.registry.attach(id, cancel); err != nil {
		return resultOf(task), err
	}

	if err := e.pool.Acquire(runCtx); err != nil {
		return e.interrupted(id, runCtx, err)
	}
	defer e.pool.Release()

	if _, err := e.registry.transition(id, models.TaskStatusProcessing, nil); err != nil {
		// 等待槽位期间被取消
		return e.interrupted(id, runCtx, err)
	}

	timeout := e.timeoutFor(task.Kind)
	callCtx, callCancel := context.WithTimeout(runCtx, timeout)
	defer callCancel()

	var (
		progressMu sync.Mutex
		last       int
	)
	report := func(p int) {
		if p > 100 {
			p = 100
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		if p <= last {
			return
		}
		last = p
		e.registry.setProgress(id, p)
		if onProgress != nil {
			onProgress(p)
		}
	}

	capability := models.CapabilityImage
	if task.Kind == models.TaskKindVideo {
		capability = models.CapabilityVideo
	}
	resp, name, err := e.providers.Call(callCtx, capability, task.Options.Provider, creds, requestFor(capability, task.Options), report)
	if err == nil && resp.URL == "" {
		err = provider.Rejected(name, "provider returned no artifact")
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.Canceled) {
			return e.interrupted(id, runCtx, runCtx.Err())
		}
		if isDeadline(err) && !errors.Is(err, provider.ErrTimeout) {
			err = provider.Timeout(name, fmt.Sprintf("%s generation exceeded %s", task.Kind, timeout))
		}
		return e.fail(id, err)
	}

	url := resp.URL
	if e.mirror && e.store != nil {
		objectName := fmt.Sprintf("tasks/%s/output%s", id, artifactExt(url, defaultExt(task.Kind)))
		if mirrored, mErr := mirrorArtifact(runCtx, e.store, url, objectName); mErr != nil {
			log.Printf("[Generation] mirror %s failed, keep provider url: %v", id, mErr)
		} else {
			url = mirrored
		}
	}

	done, err := e.registry.transition(id, models.TaskStatusCompleted, func(t *models.GenerationTask) {
		t.ResultURL = url
		t.Error = ""
	})
	if err != nil {
		// 完成前被取消
		return resultOf(done), fmt.Errorf("task %s: %w", id, ErrCancelled)
	}
	if onProgress != nil && last < 100 {
		onProgress(100)
	}
	log.Printf("[Generation] task %s completed via %s", id, name)
	return resultOf(done), nil
}

// interrupted 处理等待或执行期间 ctx 结束：超时算失败，取消算 cancelled
func (e *GenerationExecutor) interrupted(id string, runCtx context.Context, cause error) (GenerationResult, error) {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return e.fail(id, provider.Timeout("generation", "deadline exceeded before the provider call finished"))
	}
	t, err := e.registry.transition(id, models.TaskStatusCancelled, nil)
	if err != nil {
		// 已被 CancelTask 取消
		t, _ = e.registry.Get(id)
	}
	if t.Status != models.TaskStatusCancelled {
		return resultOf(t), fmt.Errorf("task %s interrupted: %v", id, cause)
	}
	return resultOf(t), fmt.Errorf("task %s: %w", id, ErrCancelled)
}

func (e *GenerationExecutor) fail(id string, cause error) (GenerationResult, error) {
	t, err := e.registry.transition(id, models.TaskStatusFailed, func(t *models.GenerationTask) {
		t.Error = cause.Error()
	})
	if err != nil {
		t, _ = e.registry.Get(id)
		if t.Status == models.TaskStatusCancelled {
			return resultOf(t), fmt.Errorf("task %s: %w", id, ErrCancelled)
		}
	}
	log.Printf("[Generation] task %s failed: %v", id, cause)
	return resultOf(t), cause
}

// CancelTask 取消 pending/processing 任务；终态任务不变
func (e *GenerationExecutor) CancelTask(id string) (models.GenerationTask, error) {
	t, cancelled, err := e.registry.cancel(id)
	if err != nil {
		return t, err
	}
	if cancelled {
		e.takeCreds(id)
		log.Printf("[Generation] task %s cancelled", id)
	}
	return t, nil
}

// DeleteTask 删除任务；未结束的任务先取消
func (e *GenerationExecutor) DeleteTask(id string) error {
	t, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if !t.Terminal() {
		if _, err := e.CancelTask(id); err != nil {
			return err
		}
	}
	return e.registry.remove(id)
}

func (e *GenerationExecutor) GetAllTasks() []models.GenerationTask {
	return e.registry.List()
}

func (e *GenerationExecutor) GetTask(id string) (models.GenerationTask, error) {
	t, ok := e.registry.Get(id)
	if !ok {
		return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func requestFor(capability models.Capability, o models.GenerationOptions) provider.Request {
	return provider.Request{
		Capability:     capability,
		Prompt:         o.Prompt,
		NegativePrompt: o.NegativePrompt,
		Width:          o.Width,
		Height:         o.Height,
		Duration:       o.Duration,
		Style:          o.Style,
		AspectRatio:    o.AspectRatio,
		ImageURL:       o.ImageURL,
	}
}

func resultOf(t models.GenerationTask) GenerationResult {
	return GenerationResult{TaskID: t.ID, Status: t.Status, URL: t.ResultURL, Error: t.Error}
}

func defaultExt(kind string) string {
	if kind == models.TaskKindVideo {
		return ".mp4"
	}
	return ".png"
}
