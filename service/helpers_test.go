package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/provider"
)

type generateFunc func(ctx context.Context, req provider.Request, apiKey string, progress provider.ProgressFunc) (provider.Response, error)

// fakeProvider 按 fn 返回结果；fn 为空时立即成功
type fakeProvider struct {
	name  string
	caps  map[models.Capability]bool
	calls atomic.Int32

	mu   sync.Mutex
	fn   generateFunc
	keys []string
}

func newFakeProvider(name string, fn generateFunc, caps ...models.Capability) *fakeProvider {
	f := &fakeProvider{name: name, caps: make(map[models.Capability]bool), fn: fn}
	for _, c := range caps {
		f.caps[c] = true
	}
	return f
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(c models.Capability) bool { return f.caps[c] }

func (f *fakeProvider) setFunc(fn generateFunc) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeProvider) Generate(ctx context.Context, req provider.Request, apiKey string, progress provider.ProgressFunc) (provider.Response, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	fn := f.fn
	f.keys = append(f.keys, apiKey)
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req, apiKey, progress)
	}
	if req.Capability == models.CapabilityText {
		return provider.Response{Text: "Scene one.\n\nScene two."}, nil
	}
	return provider.Response{URL: fmt.Sprintf("http://cdn.test/%s/%s/%d.bin", f.name, req.Capability, n)}, nil
}

func (f *fakeProvider) usedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

// blockUntilCancelled 一直阻塞直到 ctx 结束
func blockUntilCancelled(started chan<- struct{}) generateFunc {
	return func(ctx context.Context, req provider.Request, apiKey string, progress provider.ProgressFunc) (provider.Response, error) {
		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return provider.Response{}, ctx.Err()
	}
}

type testEnv struct {
	bus       *EventBus
	registry  *TaskRegistry
	pool      *SlotPool
	providers *ProviderSet
	gen       *GenerationExecutor
	steps     *StepExecutor
	store     *ProjectStore
	orch      *Orchestrator
}

// newTestEnv 注册 provider，密钥为 "key-<name>"，每种能力默认使用第一个支持它的 provider
func newTestEnv(t *testing.T, concurrency int, providers ...provider.Provider) *testEnv {
	t.Helper()
	reg := provider.NewRegistry(providers...)
	keys := make(map[string]string)
	defaults := make(map[models.Capability]models.ProviderChoice)
	for _, p := range providers {
		keys[p.Name()] = "key-" + p.Name()
		for _, c := range []models.Capability{models.CapabilityText, models.CapabilityImage, models.CapabilitySpeech, models.CapabilityVideo} {
			if _, ok := defaults[c]; !ok && p.Supports(c) {
				defaults[c] = models.ProviderChoice{Primary: p.Name()}
			}
		}
	}
	env := &testEnv{bus: NewEventBus(4096)}
	env.registry = NewTaskRegistry(nil, env.bus)
	env.pool = NewSlotPool(concurrency)
	env.providers = NewProviderSet(reg, keys, defaults)
	env.gen = NewGenerationExecutor(env.registry, env.pool, env.providers, WithTimeouts(5*time.Second, 5*time.Second))
	env.steps = NewStepExecutor(env.providers, env.gen, nil, func(models.StepType) time.Duration { return 10 * time.Second })
	env.store = NewProjectStore(nil)
	env.orch = NewOrchestrator(env.store, env.steps, env.providers, env.bus)
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitEvent 阻塞直到收到满足条件的事件
func waitEvent(t *testing.T, sub Subscription, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				t.Fatal("subscription closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

// drain 取出缓冲中已有的事件
func drain(sub Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// lifecycle 过滤出某个项目的生命周期事件（不含进度），格式化为 "type(step)"
func lifecycle(events []Event, projectID string) []string {
	var out []string
	for _, ev := range events {
		if ev.ProjectID != projectID || ev.Type == EventStepProgress || ev.Type == EventTaskUpdate {
			continue
		}
		if ev.StepType != "" {
			out = append(out, fmt.Sprintf("%s(%s)", ev.Type, ev.StepType))
		} else {
			out = append(out, string(ev.Type))
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
