package service

import (
	"context"
	"sync/atomic"
)

// SlotPool 限制同时进行的生成调用数量
type SlotPool struct {
	slots chan struct{}
	busy  atomic.Int32
}

func NewSlotPool(size int) *SlotPool {
	if size <= 0 {
		size = 3
	}
	return &SlotPool{slots: make(chan struct{}, size)}
}

// Acquire 阻塞直到拿到槽位或 ctx 结束
func (p *SlotPool) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.slots <- struct{}{}:
		p.busy.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SlotPool) Release() {
	select {
	case <-p.slots:
		p.busy.Add(-1)
	default:
	}
}

func (p *SlotPool) Size() int { return cap(p.slots) }

func (p *SlotPool) Busy() int { return int(p.busy.Load()) }
