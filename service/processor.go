package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
)

// Processor 消费队列中的生成任务，在本进程内调用 GenerationExecutor.RunTask
type Processor struct {
	exec *GenerationExecutor
	srv  *asynq.Server
}

func NewProcessor(exec *GenerationExecutor) *Processor {
	return &Processor{exec: exec}
}

// Start 启动任务消费者
func (p *Processor) Start(redis asynq.RedisClientOpt, concurrency int) error {
	p.srv = asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateTask, p.HandleGenerateTask)

	log.Printf("[Queue] Starting Task Processor with concurrency %d...", concurrency)
	return p.srv.Start(mux)
}

func (p *Processor) Shutdown() {
	if p.srv != nil {
		p.srv.Shutdown()
	}
}

// HandleGenerateTask 执行任务；生成失败已记录在任务上，不返回给 asynq，避免重试
func (p *Processor) HandleGenerateTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Queue] Processing Task: %s", payload.TaskID)
	res, err := p.exec.RunTask(ctx, payload.TaskID, nil)
	switch {
	case err == nil:
		log.Printf("[Queue] Task %s completed: %s", payload.TaskID, res.URL)
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("task %s: %v: %w", payload.TaskID, err, asynq.SkipRetry)
	default:
		log.Printf("[Queue] Task %s ended as %s: %v", payload.TaskID, res.Status, err)
	}
	return nil
}
