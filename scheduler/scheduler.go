package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 1. Keep the next fire instant of every armed task
// 2. Queue the tasks that are due
// 3. Hand them to the dispatcher, keeping those that don't fit yet

const idle = time.Hour

// Dispatcher starts a run of task id. It returns false when the task
// can't start yet and must stay queued.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) bool
}

type DispatchFunc func(ctx context.Context, id uuid.UUID) bool

func (f DispatchFunc) Dispatch(ctx context.Context, id uuid.UUID) bool {
	return f(ctx, id)
}

type Scheduler struct {
	Pending queue.Queue

	mu         sync.Mutex
	armed      map[uuid.UUID]time.Time
	queued     map[uuid.UUID]bool
	wake       chan struct{}
	dispatcher Dispatcher
	now        func() time.Time
	logger     *zap.Logger
}

func New(d Dispatcher, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		armed:      make(map[uuid.UUID]time.Time),
		queued:     make(map[uuid.UUID]bool),
		wake:       make(chan struct{}, 1),
		dispatcher: d,
		now:        time.Now,
		logger:     logger,
	}
}

// Arm schedules id at the given instant, replacing any previous one.
func (s *Scheduler) Arm(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	delete(s.queued, id)
	s.armed[id] = at
	s.mu.Unlock()
	s.logger.Debug("Task armed", zap.String("task", id.String()), zap.Time("at", at))
	s.Ping()
}

// Disarm forgets id, armed or already queued.
func (s *Scheduler) Disarm(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.armed, id)
	delete(s.queued, id)
}

func (s *Scheduler) Armed(id uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.armed[id]
	return at, ok
}

// Ping wakes the loop up, after a resource release for example.
func (s *Scheduler) Ping() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		s.promote()
		s.drain(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.untilNext())

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) promote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, at := range s.armed {
		if at.After(now) {
			continue
		}
		delete(s.armed, id)
		s.queued[id] = true
		s.Pending.Enqueue(id)
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	s.mu.Lock()
	n := s.Pending.Len()
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		s.mu.Lock()
		id := s.Pending.Dequeue().(uuid.UUID)
		wanted := s.queued[id]
		delete(s.queued, id)
		s.mu.Unlock()
		if !wanted || s.dispatcher.Dispatch(ctx, id) {
			continue
		}

		s.logger.Debug("Task deferred", zap.String("task", id.String()))
		s.mu.Lock()
		if _, rearmed := s.armed[id]; !rearmed {
			s.queued[id] = true
			s.Pending.Enqueue(id)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := idle
	now := s.now()
	for _, at := range s.armed {
		if d := at.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}
