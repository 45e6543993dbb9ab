package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/provider"
)

// StepInput 是执行一个步骤所需的全部输入
type StepInput struct {
	ProjectID   string
	ProjectName string
	Step        models.Step
	Config      models.ProjectConfig
	// 之前已完成步骤的结果
	Prior map[models.StepType]models.StepResult
}

// Cost 是步骤的预估开销
type Cost struct {
	ProviderCalls int `json:"providerCalls"`
	Seconds       int `json:"seconds"`
}

func (c Cost) Add(o Cost) Cost {
	return Cost{ProviderCalls: c.ProviderCalls + o.ProviderCalls, Seconds: c.Seconds + o.Seconds}
}

// StepRunner 每种步骤一个实现
type StepRunner interface {
	Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error)
	EstimateCost(in StepInput) Cost
}

// StepExecutor 根据步骤类型选择 runner，并统一处理超时、进度和 panic
type StepExecutor struct {
	mu        sync.RWMutex
	runners   map[models.StepType]StepRunner
	timeoutFn func(models.StepType) time.Duration
}

func NewStepExecutor(providers *ProviderSet, gen *GenerationExecutor, store ArtifactStore, timeoutFn func(models.StepType) time.Duration) *StepExecutor {
	e := &StepExecutor{
		runners:   make(map[models.StepType]StepRunner),
		timeoutFn: timeoutFn,
	}
	e.runners[models.StepScript] = &scriptRunner{providers: providers}
	e.runners[models.StepStoryboard] = &storyboardRunner{gen: gen}
	e.runners[models.StepCharacter] = &characterRunner{gen: gen}
	e.runners[models.StepScene] = &sceneRunner{gen: gen}
	e.runners[models.StepImage] = &imageRunner{gen: gen}
	e.runners[models.StepDubbing] = &dubbingRunner{providers: providers}
	e.runners[models.StepVideo] = &videoRunner{gen: gen}
	e.runners[models.StepEdit] = editRunner{}
	e.runners[models.StepExport] = &exportRunner{store: store}
	return e
}

// Register 替换某类步骤的 runner
func (e *StepExecutor) Register(t models.StepType, r StepRunner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[t] = r
}

func (e *StepExecutor) runner(t models.StepType) (StepRunner, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runners[t]
	if !ok {
		return nil, fmt.Errorf("no runner for step %q: %w", t, ErrInvalidConfig)
	}
	return r, nil
}

// Execute 运行一个步骤。进度保证单调不减，结束时补齐到 100；
// 超过该类步骤的时限返回 ProviderTimeout，父 ctx 取消返回 ErrCancelled。
func (e *StepExecutor) Execute(ctx context.Context, in StepInput, onProgress provider.ProgressFunc) (models.StepResult, error) {
	r, err := e.runner(in.Step.Type)
	if err != nil {
		return models.StepResult{}, err
	}

	stepCtx := ctx
	var timeout time.Duration
	if e.timeoutFn != nil {
		timeout = e.timeoutFn(in.Step.Type)
	}
	// 时限不短于该步骤内各次生成调用的时限之和
	if b, ok := r.(budgeted); ok && timeout > 0 {
		if min := b.budget(in); min > timeout {
			timeout = min
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tracker := &progressTracker{report: onProgress}
	result, err := runSafely(stepCtx, r, in, tracker.update)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return models.StepResult{}, fmt.Errorf("step %s: %w", in.Step.Type, ErrCancelled)
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, provider.ErrTimeout) {
			return models.StepResult{}, provider.Timeout(string(in.Step.Type), fmt.Sprintf("step exceeded %s", timeout))
		}
		return models.StepResult{}, err
	}
	tracker.update(100)
	return result, nil
}

// Estimate 汇总单个步骤的预估开销
func (e *StepExecutor) Estimate(in StepInput) Cost {
	r, err := e.runner(in.Step.Type)
	if err != nil {
		return Cost{}
	}
	return r.EstimateCost(in)
}

// budgeted 由逐个调用 GenerationExecutor 的步骤实现
type budgeted interface {
	budget(in StepInput) time.Duration
}

func runSafely(ctx context.Context, r StepRunner, in StepInput, progress provider.ProgressFunc) (result models.StepResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Step] %s panicked: %v", in.Step.Type, rec)
			err = fmt.Errorf("step %s panicked: %v", in.Step.Type, rec)
		}
	}()
	return r.Execute(ctx, in, progress)
}

type progressTracker struct {
	mu     sync.Mutex
	last   int
	report provider.ProgressFunc
}

func (t *progressTracker) update(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p <= t.last {
		return
	}
	t.last = p
	if t.report != nil {
		t.report(p)
	}
}

// spread 把第 i 个（共 n 个）子调用的进度映射到整体进度
func spread(progress provider.ProgressFunc, i, n int) provider.ProgressFunc {
	return func(p int) {
		if progress == nil || n <= 0 {
			return
		}
		progress((i*100 + p) / n)
	}
}

// ---------------------------------------------------------------------------
// 各步骤实现
// ---------------------------------------------------------------------------

type scriptRunner struct {
	providers *ProviderSet
}

func (r *scriptRunner) Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error) {
	cfg := in.Config
	prompt := fmt.Sprintf("Write a short video script in %d scenes", cfg.ShotCount)
	if cfg.Duration > 0 {
		prompt += fmt.Sprintf(" lasting about %d seconds", cfg.Duration)
	}
	if cfg.Style != "" {
		prompt += ", style: " + cfg.Style
	}
	prompt += ". Separate scenes with a blank line.\n\n" + cfg.Prompt

	resp, name, err := r.providers.Call(ctx, models.CapabilityText, cfg.Providers[models.CapabilityText], cfg.Credentials,
		provider.Request{Prompt: prompt, Style: cfg.Style, Duration: cfg.Duration}, progress)
	if err != nil {
		return models.StepResult{}, err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return models.StepResult{}, provider.Rejected(name, "provider returned an empty script")
	}
	return models.StepResult{
		Kind:     models.ResultText,
		Text:     text,
		Metadata: map[string]string{"provider": name},
	}, nil
}

func (r *scriptRunner) EstimateCost(StepInput) Cost {
	return Cost{ProviderCalls: 1, Seconds: 30}
}

// storyboardRunner 把剧本拆成分镜，每个分镜生成一张草图
type storyboardRunner struct {
	gen *GenerationExecutor
}

func (r *storyboardRunner) Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error) {
	shots := splitShots(sourceText(in), in.Config.ShotCount)
	prompts := make([]string, len(shots))
	for i, s := range shots {
		prompts[i] = "Storyboard sketch: " + s
	}
	urls, err := generateImages(ctx, r.gen, in, prompts, progress)
	if err != nil {
		return models.StepResult{}, err
	}
	return models.StepResult{Kind: models.ResultImages, Prompts: shots, Artifacts: urls}, nil
}

func (r *storyboardRunner) budget(in StepInput) time.Duration {
	return r.gen.budget(models.TaskKindImage, len(splitShots(sourceText(in), in.Config.ShotCount)))
}

func (r *storyboardRunner) EstimateCost(in StepInput) Cost {
	return imageCost(len(splitShots(sourceText(in), in.Config.ShotCount)))
}

type characterRunner struct {
	gen *GenerationExecutor
}

func (r *characterRunner) Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error) {
	shots := shotPrompts(in)
	prompt := "Character design sheet for the main characters: " + shots[0]
	urls, err := generateImages(ctx, r.gen, in, []string{prompt}, progress)
	if err != nil {
		return models.StepResult{}, err
	}
	return models.StepResult{Kind: models.ResultImages, Prompts: []string{prompt}, Artifacts: urls}, nil
}

func (r *characterRunner) budget(StepInput) time.Duration {
	return r.gen.budget(models.TaskKindImage, 1)
}

func (r *characterRunner) EstimateCost(StepInput) Cost {
	return imageCost(1)
}

const maxScenes = 3

type sceneRunner struct {
	gen *GenerationExecutor
}

func (r *sceneRunner) prompts(in StepInput) []string {
	shots := shotPrompts(in)
	if len(shots) > maxScenes {
		shots = shots[:maxScenes]
	}
	out := make([]string, len(shots))
	for i, s := range shots {
		out[i] = "Background scene, no characters: " + s
	}
	return out
}

func (r *sceneRunner) Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error) {
	prompts := r.prompts(in)
	urls, err := generateImages(ctx, r.gen, in, prompts, progress)
	if err != nil {
		return models.StepResult{}, err
	}
	return models.StepResult{Kind: models.ResultImages, Prompts: prompts, Artifacts: urls}, nil
}

func (r *sceneRunner) budget(in StepInput) time.Duration {
	return r.gen.budget(models.TaskKindImage, len(r.prompts(in)))
}

func (r *sceneRunner) EstimateCost(in StepInput) Cost {
	return imageCost(len(r.prompts(in)))
}

// imageRunner 为每个分镜生成最终画面
type imageRunner struct {
	gen *GenerationExecutor
}

func (r *imageRunner) Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error) {
	prompts := shotPrompts(in)
	urls, err := generateImages(ctx, r.gen, in, prompts, progress)
	if err != nil {
		return models.StepResult{}, err
	}
	return models.StepResult{Kind: models.ResultImages, Prompts: prompts, Artifacts: urls}, nil
}

func (r *imageRunner) budget(in StepInput) time.Duration {
	return r.gen.budget(models.TaskKindImage, len(shotPrompts(in)))
}

func (r *imageRunner) EstimateCost(in StepInput) Cost {
	return imageCost(len(shotPrompts(in)))
}

type dubbingRunner struct {
	providers *ProviderSet
}

func (r *dubbingRunner) Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error) {
	lines := shotPrompts(in)
	cfg := in.Config
	urls := make([]string, 0, len(lines))
	for i, line := range lines {
		resp, name, err := r.providers.Call(ctx, models.CapabilitySpeech, cfg.Providers[models.CapabilitySpeech], cfg.Credentials,
			provider.Request{Prompt: line, Voice: cfg.Voice}, spread(progress, i, len(lines)))
		if err != nil {
			return models.StepResult{}, err
		}
		if resp.URL == "" {
			return models.StepResult{}, provider.Rejected(name, "provider returned no audio")
		}
		urls = append(urls, resp.URL)
		spread(progress, i, len(lines))(100)
	}
	return models.StepResult{Kind: models.ResultAudio, Prompts: lines, Artifacts: urls}, nil
}

func (r *dubbingRunner) EstimateCost(in StepInput) Cost {
	n := len(shotPrompts(in))
	return Cost{ProviderCalls: n, Seconds: 10 * n}
}

// videoRunner 每张画面生成一段视频；没有画面时直接文生视频
type videoRunner struct {
	gen *GenerationExecutor
}

func (r *videoRunner) clips(in StepInput) (prompts, frames []string) {
	frames = framesOf(in)
	prompts = shotPrompts(in)
	if len(frames) == 0 {
		return []string{in.Config.Prompt}, []string{""}
	}
	out := make([]string, len(frames))
	for i := range frames {
		if i < len(prompts) {
			out[i] = prompts[i]
		} else {
			out[i] = in.Config.Prompt
		}
	}
	return out, frames
}

func (r *videoRunner) Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error) {
	prompts, frames := r.clips(in)
	cfg := in.Config
	perClip := clipSeconds(cfg.Duration, len(frames))
	urls := make([]string, 0, len(frames))
	for i := range frames {
		res, err := r.gen.GenerateVideo(ctx, models.GenerationOptions{
			Prompt:      prompts[i],
			ImageURL:    frames[i],
			Duration:    perClip,
			Style:       cfg.Style,
			AspectRatio: cfg.AspectRatio,
			Provider:    cfg.Providers[models.CapabilityVideo],
		}, cfg.Credentials, spread(progress, i, len(frames)))
		if err != nil {
			return models.StepResult{}, err
		}
		urls = append(urls, res.URL)
	}
	return models.StepResult{Kind: models.ResultVideos, Prompts: prompts, Artifacts: urls}, nil
}

func (r *videoRunner) budget(in StepInput) time.Duration {
	_, frames := r.clips(in)
	return r.gen.budget(models.TaskKindVideo, len(frames))
}

func (r *videoRunner) EstimateCost(in StepInput) Cost {
	_, frames := r.clips(in)
	return Cost{ProviderCalls: len(frames), Seconds: 90 * len(frames)}
}

// editRunner 本地拼接时间线：视频片段平均分配总时长，配音按顺序对齐
type editRunner struct{}

func (editRunner) Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return models.StepResult{}, err
	}
	sources := in.Prior[models.StepVideo].Artifacts
	if len(sources) == 0 {
		sources = framesOf(in)
	}
	if len(sources) == 0 {
		return models.StepResult{}, errors.New("nothing to edit: no video clips or images were produced")
	}
	audio := in.Prior[models.StepDubbing].Artifacts
	per := float64(clipSeconds(in.Config.Duration, len(sources)))
	timeline := make([]models.TimelineClip, len(sources))
	for i, src := range sources {
		clip := models.TimelineClip{Source: src, Start: per * float64(i), Duration: per}
		if i < len(audio) {
			clip.Audio = audio[i]
		}
		timeline[i] = clip
	}
	return models.StepResult{
		Kind:     models.ResultTimeline,
		Timeline: timeline,
		Metadata: map[string]string{"totalSeconds": fmt.Sprintf("%g", per*float64(len(sources)))},
	}, nil
}

func (editRunner) EstimateCost(StepInput) Cost {
	return Cost{Seconds: 1}
}

type exportManifest struct {
	ProjectID   string                                `json:"projectId"`
	Name        string                                `json:"name"`
	Style       string                                `json:"style,omitempty"`
	AspectRatio string                                `json:"aspectRatio,omitempty"`
	Timeline    []models.TimelineClip                 `json:"timeline,omitempty"`
	Artifacts   map[models.StepType][]string          `json:"artifacts"`
	Script      string                                `json:"script,omitempty"`
	ExportedAt  time.Time                             `json:"exportedAt"`
	Steps       map[models.StepType]map[string]string `json:"steps,omitempty"`
}

// exportRunner 打包清单；有 ArtifactStore 时上传，否则结果里直接带清单内容
type exportRunner struct {
	store ArtifactStore
}

func (r *exportRunner) Execute(ctx context.Context, in StepInput, progress provider.ProgressFunc) (models.StepResult, error) {
	m := exportManifest{
		ProjectID:   in.ProjectID,
		Name:        in.ProjectName,
		Style:       in.Config.Style,
		AspectRatio: in.Config.AspectRatio,
		Artifacts:   make(map[models.StepType][]string),
		ExportedAt:  time.Now().UTC(),
	}
	for st, res := range in.Prior {
		if len(res.Artifacts) > 0 {
			m.Artifacts[st] = append([]string(nil), res.Artifacts...)
		}
		if len(res.Metadata) > 0 {
			if m.Steps == nil {
				m.Steps = make(map[models.StepType]map[string]string)
			}
			m.Steps[st] = res.Clone().Metadata
		}
	}
	m.Timeline = in.Prior[models.StepEdit].Timeline
	m.Script = in.Prior[models.StepScript].Text

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return models.StepResult{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if r.store == nil {
		return models.StepResult{Kind: models.ResultPackage, Text: string(data)}, nil
	}
	if progress != nil {
		progress(50)
	}
	url, err := putBytes(ctx, r.store, fmt.Sprintf("projects/%s/manifest.json", in.ProjectID), data)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("upload manifest: %w", err)
	}
	return models.StepResult{Kind: models.ResultPackage, Artifacts: []string{url}}, nil
}

func (r *exportRunner) EstimateCost(StepInput) Cost {
	return Cost{Seconds: 2}
}

// ---------------------------------------------------------------------------
// 辅助函数
// ---------------------------------------------------------------------------

func generateImages(ctx context.Context, gen *GenerationExecutor, in StepInput, prompts []string, progress provider.ProgressFunc) ([]string, error) {
	cfg := in.Config
	urls := make([]string, 0, len(prompts))
	for i, p := range prompts {
		res, err := gen.GenerateImage(ctx, models.GenerationOptions{
			Prompt:      p,
			Style:       cfg.Style,
			AspectRatio: cfg.AspectRatio,
			Provider:    cfg.Providers[models.CapabilityImage],
		}, cfg.Credentials, spread(progress, i, len(prompts)))
		if err != nil {
			return nil, err
		}
		urls = append(urls, res.URL)
	}
	return urls, nil
}

func imageCost(n int) Cost {
	return Cost{ProviderCalls: n, Seconds: 20 * n}
}

// sourceText 剧本结果优先，没有剧本步骤时使用原始 prompt
func sourceText(in StepInput) string {
	if s, ok := in.Prior[models.StepScript]; ok && strings.TrimSpace(s.Text) != "" {
		return s.Text
	}
	return in.Config.Prompt
}

// shotPrompts 分镜结果优先，否则从剧本/prompt 拆分；至少返回一个
func shotPrompts(in StepInput) []string {
	if sb, ok := in.Prior[models.StepStoryboard]; ok && len(sb.Prompts) > 0 {
		return append([]string(nil), sb.Prompts...)
	}
	return splitShots(sourceText(in), in.Config.ShotCount)
}

// framesOf 返回最终画面，没有 image 步骤时退回分镜草图
func framesOf(in StepInput) []string {
	if img := in.Prior[models.StepImage].Artifacts; len(img) > 0 {
		return append([]string(nil), img...)
	}
	return append([]string(nil), in.Prior[models.StepStoryboard].Artifacts...)
}

// splitShots 按空行切分段落，超过 limit 时把多余段落并入最后一个
func splitShots(text string, limit int) []string {
	if limit <= 0 {
		limit = models.DefaultShotCount
	}
	var paras []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if b := strings.Join(strings.Fields(block), " "); b != "" {
			paras = append(paras, b)
		}
	}
	if len(paras) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	if len(paras) > limit {
		tail := strings.Join(paras[limit-1:], " ")
		paras = append(paras[:limit-1], tail)
	}
	return paras
}

func clipSeconds(total, n int) int {
	if n <= 0 {
		return 0
	}
	if total <= 0 {
		return 5
	}
	if per := total / n; per > 0 {
		return per
	}
	return 1
}
