// Package provider 定义生成式 provider 的统一调用约定。
//
// 每个 provider 按名称注册，调用时由上层传入该 provider 的 API key。
// Generate 必须在每个挂起点（网络请求、轮询间隔）观察 ctx，取消后尽快返回。
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"StoryFlow-server/models"
)

// ProgressFunc 接收 0-100 的进度
type ProgressFunc func(percent int)

type Request struct {
	Capability     models.Capability `json:"capability"`
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Width          int               `json:"width,omitempty"`
	Height         int               `json:"height,omitempty"`
	Duration       int               `json:"duration,omitempty"`
	Style          string            `json:"style,omitempty"`
	AspectRatio    string            `json:"aspect_ratio,omitempty"`
	Voice          string            `json:"voice,omitempty"`
	ImageURL       string            `json:"image_url,omitempty"`
}

type Response struct {
	Text     string            `json:"text,omitempty"`
	URL      string            `json:"url,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Provider interface {
	Name() string
	Supports(models.Capability) bool
	Generate(ctx context.Context, req Request, apiKey string, progress ProgressFunc) (Response, error)
}

// Registry 按名称保存 provider
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New 根据配置类型构造 provider
func New(name, kind, baseURL string, caps []models.Capability, opts ...WorkerOption) (Provider, error) {
	switch kind {
	case "worker", "":
		return NewWorkerProvider(name, baseURL, caps, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", kind)
	}
}
