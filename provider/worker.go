package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"StoryFlow-server/models"
)

const maxPollErrors = 5

// WorkerProvider 对接生成 Worker 的 HTTP 接口：
// POST /v1/generate 提交，GET /v1/jobs/{id} 轮询，DELETE /v1/jobs/{id} 取消
type WorkerProvider struct {
	name         string
	baseURL      string
	caps         map[models.Capability]bool
	client       *http.Client
	pollInterval time.Duration
}

type WorkerOption func(*WorkerProvider)

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *WorkerProvider) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithHTTPClient(c *http.Client) WorkerOption {
	return func(w *WorkerProvider) {
		if c != nil {
			w.client = c
		}
	}
}

func NewWorkerProvider(name, baseURL string, caps []models.Capability, opts ...WorkerOption) *WorkerProvider {
	w := &WorkerProvider{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		caps:         make(map[models.Capability]bool, len(caps)),
		client:       &http.Client{},
		pollInterval: 3 * time.Second,
	}
	for _, c := range caps {
		w.caps[c] = true
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WorkerProvider) Name() string { return w.name }

func (w *WorkerProvider) Supports(c models.Capability) bool { return w.caps[c] }

// Generate 提交任务并轮询直到完成；ctx 取消时通知 Worker 删除 job
func (w *WorkerProvider) Generate(ctx context.Context, req Request, apiKey string, progress ProgressFunc) (Response, error) {
	jobID, err := w.dispatch(ctx, req, apiKey)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, Classify(w.name, err)
	}
	log.Printf("[Worker %s] job %s submitted, polling...", w.name, jobID)

	resp, err := w.poll(ctx, jobID, apiKey, progress)
	if err != nil && ctx.Err() != nil {
		if cancelErr := w.cancelJob(jobID, apiKey); cancelErr != nil {
			log.Printf("[Worker %s] cancel job %s failed: %v", w.name, jobID, cancelErr)
		}
		return Response{}, ctx.Err()
	}
	return resp, err
}

func (w *WorkerProvider) newRequest(ctx context.Context, method, url string, body io.Reader, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// dispatch 发送 POST 请求，返回 job_id
func (w *WorkerProvider) dispatch(ctx context.Context, r Request, apiKey string) (string, error) {
	jsonBody, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}
	req, err := w.newRequest(ctx, http.MethodPost, w.baseURL+"/v1/generate", bytes.NewReader(jsonBody), apiKey)
	if err != nil {
		return "", err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := w.checkStatus(resp); err != nil {
		return "", err
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("decode response failed: %w", err)
	}
	// 优先返回根节点的 id
	if id, ok := respData["id"].(string); ok && id != "" {
		return id, nil
	}
	if jobID, ok := respData["job_id"].(string); ok && jobID != "" {
		return jobID, nil
	}
	return "", fmt.Errorf("response missing 'id'")
}

func (w *WorkerProvider) checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2000))
	msg := fmt.Sprintf("worker status code: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CredentialRejected(w.name, msg)
	case http.StatusTooManyRequests, http.StatusBadRequest, http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return Rejected(w.name, msg)
	}
	return errors.New(msg)
}

type jobResult struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	ResourceURL  string `json:"resource_url"`
	Text         string `json:"text"`
}

type jobStatus struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message"`
	Error    string    `json:"error"`
	Result   jobResult `json:"result"`
}

// poll 轮询 GET /v1/jobs/{job_id} 直到完成
func (w *WorkerProvider) poll(ctx context.Context, jobID, apiKey string, progress ProgressFunc) (Response, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", w.baseURL, jobID)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-ticker.C:
		}

		job, err := w.fetchJob(ctx, jobURL, apiKey)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			var pe *Error
			if errors.As(err, &pe) {
				return Response{}, err
			}
			failures++
			log.Printf("[Worker %s] 轮询错误(重试中 %d/%d): %v", w.name, failures, maxPollErrors, err)
			if failures >= maxPollErrors {
				return Response{}, fmt.Errorf("polling job %s: %w", jobID, err)
			}
			continue
		}
		failures = 0

		if progress != nil && job.Progress > 0 {
			progress(job.Progress)
		}
		switch strings.ToLower(job.Status) {
		case "finished", "success", "completed", "succeeded":
			return Response{
				Text: job.Result.Text,
				URL:  job.Result.ResourceURL,
				Metadata: map[string]string{
					"job_id":        jobID,
					"resource_type": job.Result.ResourceType,
				},
			}, nil
		case "failed", "error":
			reason := job.Error
			if reason == "" {
				reason = job.Message
			}
			if err := Classify(w.name, errors.New(reason)); IsCredential(err) || errors.Is(err, ErrTimeout) {
				return Response{}, err
			}
			return Response{}, Rejected(w.name, reason)
		}
		// 其他状态继续轮询
	}
}

func (w *WorkerProvider) fetchJob(ctx context.Context, jobURL, apiKey string) (*jobStatus, error) {
	req, err := w.newRequest(ctx, http.MethodGet, jobURL, nil, apiKey)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := w.checkStatus(resp); err != nil {
		return nil, err
	}
	var job jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &job, nil
}

// cancelJob 通知 Worker 删除 job；调用方的 ctx 已取消，这里单独限时
func (w *WorkerProvider) cancelJob(jobID, apiKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := w.newRequest(ctx, http.MethodDelete, w.baseURL+"/v1/jobs/"+jobID, nil, apiKey)
	if err != nil {
		return fmt.Errorf("create delete request failed: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker delete request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("worker delete status: %d", resp.StatusCode)
	}
	return nil
}
