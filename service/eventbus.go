package service

import (
	"log"
	"sync"
	"time"

	"StoryFlow-server/models"
)

// EventType 工作流/任务生命周期事件
type EventType string

const (
	EventStepStart        EventType = "stepStart"
	EventStepProgress     EventType = "stepProgress"
	EventStepComplete     EventType = "stepComplete"
	EventStepFail         EventType = "stepFail"
	EventWorkflowComplete EventType = "workflowComplete"
	EventWorkflowFail     EventType = "workflowFail"
	EventWorkflowPaused   EventType = "workflowPaused"
	EventTaskUpdate       EventType = "taskUpdate"
)

type Event struct {
	Type      EventType          `json:"type"`
	ProjectID string             `json:"projectId,omitempty"`
	StepType  models.StepType    `json:"stepType,omitempty"`
	TaskID    string             `json:"taskId,omitempty"`
	Status    string             `json:"status,omitempty"`
	Progress  int                `json:"progress"`
	Result    *models.StepResult `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	At        time.Time          `json:"at"`
}

const defaultSubscriberCapacity = 256

// EventBus 进程内发布订阅；每个订阅者一个带缓冲的 channel，不做持久化和回放
type EventBus struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	capacity int
}

// Subscription 是一个活跃订阅，Close 后 Events 被关闭
type Subscription struct {
	Events <-chan Event
	cancel func()
}

func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &EventBus{
		subs:     make(map[*subscriber]struct{}),
		capacity: capacity,
	}
}

func (b *EventBus) Subscribe() Subscription {
	sub := &subscriber{ch: make(chan Event, b.capacity)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			sub.close()
		},
	}
}

// Publish 按发布顺序投递给当前所有订阅者
func (b *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		sub.deliver(ev)
	}
}

func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver 缓冲满时丢弃最旧的事件，保证收到的事件仍是发布顺序的子序列
func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-s.ch:
			log.Printf("[EventBus] subscriber overflow, dropped %s", dropped.Type)
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
