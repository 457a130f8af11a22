package events

import (
	"context"
	"sync"

	"density/task"

	"go.uber.org/zap"
)

const buffer = 16

// PubSub fans task events out to subscribers. Publish never blocks:
// a subscriber that falls behind loses events.
type PubSub struct {
	mu          sync.Mutex
	cpt         uint64
	subscribers map[uint64]chan task.TaskEvent
	logger      *zap.Logger
}

func NewPubSub(logger *zap.Logger) *PubSub {
	return &PubSub{
		subscribers: make(map[uint64]chan task.TaskEvent),
		logger:      logger,
	}
}

// Subscribe returns a channel closed once ctx is done.
func (p *PubSub) Subscribe(ctx context.Context) <-chan task.TaskEvent {
	p.mu.Lock()
	id := p.cpt
	p.cpt++
	c := make(chan task.TaskEvent, buffer)
	p.subscribers[id] = c
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subscribers, id)
		close(c)
		p.mu.Unlock()
	}()
	return c
}

func (p *PubSub) Publish(evt task.TaskEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.subscribers {
		select {
		case c <- evt:
		default:
			p.logger.Warn("Dropping event for slow subscriber", zap.Uint64("subscriber", id), zap.String("task", evt.TaskID.String()))
		}
	}
}

func (p *PubSub) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}
