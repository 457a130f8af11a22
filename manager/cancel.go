package manager

import (
	"context"
	"errors"

	"density/task"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CancelResult int

const (
	// Accepted means the teardown goes on in the background.
	Accepted CancelResult = iota
	// Completed means nothing of the task is running anymore.
	Completed
)

func (r CancelResult) String() string {
	if r == Completed {
		return "completed"
	}
	return "accepted"
}

type cancellation struct {
	done chan struct{}
}

var errAlreadyOver = errors.New("task already over")

// CancelTask cancels id. Cancelling is idempotent: a task being torn
// down is never torn down twice, and cancelling a finished task is a
// success. With waitFor, the call returns once the teardown is over.
func (m *Manager) CancelTask(ctx context.Context, id uuid.UUID, waitFor bool) (CancelResult, error) {
	m.cmu.Lock()
	if c, ok := m.cancels[id]; ok {
		m.cmu.Unlock()
		return m.await(ctx, c, waitFor)
	}

	var previous task.State
	t, err := m.TaskDb.Update(id, func(t *task.Task) error {
		previous = t.Status
		if t.Status.Terminal() {
			return errAlreadyOver
		}
		return t.Transition(task.Cancelled)
	})
	switch {
	case errors.Is(err, errAlreadyOver):
		m.cmu.Unlock()
		if waitFor {
			return Completed, nil
		}
		return Accepted, nil
	case err != nil:
		m.cmu.Unlock()
		return Accepted, err
	}
	m.Scheduler.Disarm(id)
	m.Events.Publish(task.NewEvent(t))

	if previous == task.Waiting {
		m.cmu.Unlock()
		m.prune(id)
		m.logger.Info("Task cancelled", zap.String("task", id.String()))
		m.metrics.Cancelled(ctx, Completed.String())
		return Completed, nil
	}

	c := &cancellation{done: make(chan struct{})}
	m.cancels[id] = c
	m.cmu.Unlock()

	m.wg.Add(1)
	go m.teardown(id, c)
	m.metrics.Cancelled(ctx, Accepted.String())
	return m.await(ctx, c, waitFor)
}

func (m *Manager) await(ctx context.Context, c *cancellation, waitFor bool) (CancelResult, error) {
	if !waitFor {
		return Accepted, nil
	}
	select {
	case <-c.done:
		return Completed, nil
	case <-ctx.Done():
		return Accepted, ctx.Err()
	}
}

// teardown stops the active run of id and removes what is left of it.
func (m *Manager) teardown(id uuid.UUID, c *cancellation) {
	defer m.wg.Done()
	l := m.logger.With(zap.String("task", id.String()))
	if err := m.Worker.StopTask(context.Background(), id); err != nil {
		l.Error("Error tearing task down", zap.Error(err))
	}
	m.prune(id)
	l.Info("Task cancelled")

	m.cmu.Lock()
	delete(m.cancels, id)
	close(c.done)
	m.cmu.Unlock()
}

func (m *Manager) cancelling(id uuid.UUID) bool {
	m.cmu.Lock()
	defer m.cmu.Unlock()
	_, ok := m.cancels[id]
	return ok
}
