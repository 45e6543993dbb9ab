package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeGenerateTask = "task:generate"
)

type TaskPayload struct {
	TaskID string `json:"task_id"`
}

// QueueDispatcher 通过 Redis 队列分发独立的生成任务
type QueueDispatcher struct {
	client  *asynq.Client
	timeout time.Duration
}

func NewQueueDispatcher(redis asynq.RedisClientOpt, timeout time.Duration) *QueueDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &QueueDispatcher{client: asynq.NewClient(redis), timeout: timeout}
}

// NewGenerateTask 构造队列任务；回退链本身不重试，所以 MaxRetry 为 0
func NewGenerateTask(taskID string, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(TaskPayload{TaskID: taskID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(TypeGenerateTask, payload,
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.Retention(24*time.Hour),
	), nil
}

func (d *QueueDispatcher) Dispatch(taskID string) error {
	task, err := NewGenerateTask(taskID, d.timeout)
	if err != nil {
		return err
	}
	info, err := d.client.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	log.Printf("[Queue] Task Enqueued: ID=%s, TaskID=%s", info.ID, taskID)
	return nil
}

func (d *QueueDispatcher) Close() error {
	return d.client.Close()
}
