package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/provider"
)

// ProviderSet 组合 provider 注册表、全局密钥和各能力的默认选择，负责按顺序回退
type ProviderSet struct {
	registry *provider.Registry

	mu       sync.RWMutex
	keys     map[string]string
	defaults map[models.Capability]models.ProviderChoice
}

func NewProviderSet(registry *provider.Registry, keys map[string]string, defaults map[models.Capability]models.ProviderChoice) *ProviderSet {
	if registry == nil {
		registry = provider.NewRegistry()
	}
	s := &ProviderSet{registry: registry}
	s.Update(keys, defaults)
	return s
}

// NewProviderSetFromConfig 按配置注册 provider
func NewProviderSetFromConfig(cfg *config.Config) (*ProviderSet, error) {
	s := NewProviderSet(provider.NewRegistry(), nil, nil)
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload 重新注册配置中的 provider 并替换密钥与默认选择；用于配置热加载
func (s *ProviderSet) Reload(cfg *config.Config) error {
	for name, pc := range cfg.Providers {
		caps := make([]models.Capability, 0, len(pc.Capabilities))
		for _, c := range pc.Capabilities {
			caps = append(caps, models.Capability(c))
		}
		p, err := provider.New(name, pc.Type, pc.BaseURL, caps, provider.WithPollInterval(pc.PollInterval))
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		s.registry.Register(p)
	}
	defaults := make(map[models.Capability]models.ProviderChoice, len(cfg.Defaults))
	for capName, choice := range cfg.Defaults {
		defaults[models.Capability(capName)] = models.ProviderChoice{
			Primary:   choice.Primary,
			Fallbacks: append([]string(nil), choice.Fallbacks...),
		}
	}
	s.Update(cfg.APIKeys(), defaults)
	log.Printf("[Providers] loaded %d providers: %v", len(cfg.Providers), s.registry.Names())
	return nil
}

func (s *ProviderSet) Update(keys map[string]string, defaults map[models.Capability]models.ProviderChoice) {
	k := make(map[string]string, len(keys))
	for name, key := range keys {
		k[name] = key
	}
	d := make(map[models.Capability]models.ProviderChoice, len(defaults))
	for c, choice := range defaults {
		d[c] = choice
	}
	s.mu.Lock()
	s.keys = k
	s.defaults = d
	s.mu.Unlock()
}

func (s *ProviderSet) Registry() *provider.Registry {
	return s.registry
}

type candidate struct {
	provider provider.Provider
	apiKey   string
}

// candidates 返回可尝试的 provider：未注册、不支持该能力或没有密钥的跳过
func (s *ProviderSet) candidates(capability models.Capability, choice models.ProviderChoice, creds models.Credentials) []candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if choice.IsZero() {
		choice = s.defaults[capability]
	}
	var out []candidate
	for _, name := range choice.Chain() {
		p, ok := s.registry.Lookup(name)
		if !ok || !p.Supports(capability) {
			continue
		}
		key := creds[name]
		if key == "" {
			key = s.keys[name]
		}
		if key == "" {
			continue
		}
		out = append(out, candidate{provider: p, apiKey: key})
	}
	return out
}

// Usable reports whether at least one provider could serve the capability.
func (s *ProviderSet) Usable(capability models.Capability, choice models.ProviderChoice, creds models.Credentials) bool {
	return len(s.candidates(capability, choice, creds)) > 0
}

// Call 依次尝试候选 provider：密钥类拒绝换下一个，其他错误立即返回；每个 provider 最多一次。
// ctx 结束时原样返回 ctx.Err()，由调用方区分超时与取消。
func (s *ProviderSet) Call(ctx context.Context, capability models.Capability, choice models.ProviderChoice, creds models.Credentials, req provider.Request, progress provider.ProgressFunc) (provider.Response, string, error) {
	cands := s.candidates(capability, choice, creds)
	if len(cands) == 0 {
		return provider.Response{}, "", fmt.Errorf("%s: %w", capability, provider.ErrNoProviderConfigured)
	}
	req.Capability = capability

	var lastErr error
	for _, c := range cands {
		name := c.provider.Name()
		resp, err := c.provider.Generate(ctx, req, c.apiKey, progress)
		if err == nil {
			return resp, name, nil
		}
		if ctx.Err() != nil {
			return provider.Response{}, name, ctx.Err()
		}
		err = provider.Classify(name, err)
		if !provider.IsCredential(err) {
			return provider.Response{}, name, err
		}
		log.Printf("[Providers] %s rejected credential for %s, trying next: %v", name, capability, err)
		lastErr = err
	}
	return provider.Response{}, "", lastErr
}

// isDeadline 判断错误是否由超时造成
func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, provider.ErrTimeout)
}
