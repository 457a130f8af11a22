package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"density/auth"
	"density/events"
	"density/metrics"
	"density/scheduler"
	"density/store"
	"density/task"
	"density/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 1. Accept tasks from users and keep track of them
// 2. Arm them on the scheduler and hand them to the worker when due
// 3. Decide what happens to a task once its run is over
// 4. Cancel tasks and tear their containers down

const (
	flushInterval = time.Minute
	// busyRetry re-arms a task whose previous run is still being wound up.
	busyRetry = 50 * time.Millisecond
)

type Config struct {
	// WorkDir is the root of the per-task working directories.
	WorkDir                 string
	DefaultMaxExecutionTime time.Duration
	FlushAfter              time.Duration
	PruneOnDelete           bool
	CPU                     int
	RAM                     int
}

type Manager struct {
	TaskDb    *store.TaskStore
	Scheduler *scheduler.Scheduler
	Worker    *worker.Worker
	Events    *events.PubSub
	Resources *scheduler.Resources

	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	cmu     sync.Mutex
	cancels map[uuid.UUID]*cancellation

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	loopWg sync.WaitGroup
}

func New(cfg Config, db *store.TaskStore, rt task.Runtime, logger *zap.Logger, m *metrics.Metrics) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	mgr := &Manager{
		TaskDb:    db,
		Events:    events.NewPubSub(logger.Named("events")),
		Resources: scheduler.NewResources(cfg.CPU, cfg.RAM),
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		cancels:   make(map[uuid.UUID]*cancellation),
		ctx:       ctx,
		stop:      stop,
	}
	mgr.Scheduler = scheduler.New(scheduler.DispatchFunc(mgr.dispatch), logger.Named("scheduler"))
	mgr.Worker = worker.New("local", rt, db, cfg.WorkDir, logger.Named("worker"), m)
	mgr.Worker.OnDone = mgr.runDone
	return mgr
}

// Start recovers the stored tasks and runs the scheduler until ctx is
// done or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.stop = context.WithCancel(ctx)
	if err := m.restore(); err != nil {
		return err
	}
	m.loopWg.Add(1)
	go func() {
		defer m.loopWg.Done()
		m.Scheduler.Run(m.ctx)
	}()
	if m.cfg.FlushAfter > 0 {
		m.loopWg.Add(1)
		go func() {
			defer m.loopWg.Done()
			m.janitor()
		}()
	}
	return nil
}

// Stop interrupts the scheduler and the active runs, then waits for
// pending teardowns.
func (m *Manager) Stop() {
	m.stop()
	m.loopWg.Wait()
	m.wg.Wait()
}

func (m *Manager) AddTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.MaxExecutionTime == 0 {
		t.MaxExecutionTime = task.Duration(m.cfg.DefaultMaxExecutionTime)
	}
	if err := m.Resources.Check(t.CPU, t.RAM); err != nil {
		return nil, err
	}
	if _, err := scheduler.TriggerFor(t); err != nil {
		return nil, err
	}
	t.Start = time.Now()
	created, err := m.TaskDb.Create(t)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Task added", zap.String("task", created.ID.String()), zap.String("owner", created.Owner), zap.Bool("recurring", created.Recurring()))
	m.metrics.TaskCreated(ctx, created.Recurring())
	m.Events.Publish(task.NewEvent(created))
	m.Scheduler.Arm(created.ID, created.Start)
	return created, nil
}

func (m *Manager) GetTask(id uuid.UUID) (*task.Task, error) {
	return m.TaskDb.Get(id)
}

func (m *Manager) GetTasks(filter map[string]string) ([]*task.Task, error) {
	return m.TaskDb.List(filter)
}

// dispatch starts a due task. It returns false when the host lacks the
// resources, so the scheduler keeps the task queued.
func (m *Manager) dispatch(ctx context.Context, id uuid.UUID) bool {
	t, err := m.TaskDb.Get(id)
	if err != nil {
		m.logger.Warn("Dropping dispatch", zap.String("task", id.String()), zap.Error(err))
		return true
	}
	if t.Status != task.Waiting {
		return true
	}
	if !m.Resources.Reserve(t.CPU, t.RAM) {
		return false
	}
	m.wg.Add(1)
	run, err := m.Worker.StartTask(ctx, id)
	if err != nil {
		m.wg.Done()
		m.Resources.Release(t.CPU, t.RAM)
		m.logger.Warn("Task not started", zap.String("task", id.String()), zap.Error(err))
		if errors.Is(err, worker.ErrBusy) {
			m.Scheduler.Arm(id, time.Now().Add(busyRetry))
		}
		return true
	}
	t.Status = task.Running
	evt := task.NewEvent(t)
	evt.RunID = run.ID
	m.Events.Publish(evt)
	return true
}

// runDone records the end of a run and moves the task on: back to
// Waiting and re-armed when recurring, Done otherwise. A cancelled task
// stays cancelled.
func (m *Manager) runDone(r worker.Result) {
	defer m.wg.Done()
	now := time.Now()
	t, err := m.TaskDb.Update(r.TaskID, func(t *task.Task) error {
		if err := t.EndRun(r.Run); err != nil {
			return err
		}
		if t.Status != task.Running {
			return nil
		}
		if !t.Recurring() {
			return t.Transition(task.Done)
		}
		trigger, err := scheduler.TriggerFor(t)
		if err != nil {
			m.logger.Error("Bad trigger, task is over", zap.String("task", t.ID.String()), zap.Error(err))
			return t.Transition(task.Done)
		}
		t.Start = scheduler.NextFire(trigger, t.Start, r.Run.FinishedAt, now)
		return t.Transition(task.Waiting)
	})
	if err != nil {
		m.logger.Error("Error recording run", zap.String("task", r.TaskID.String()), zap.Int("run", r.Run.ID), zap.Error(err))
		return
	}
	m.Resources.Release(t.CPU, t.RAM)
	m.Events.Publish(task.NewEvent(t))
	if t.Status == task.Waiting {
		m.Scheduler.Arm(t.ID, t.Start)
		return
	}
	m.Scheduler.Ping()
}

// restore puts the stored tasks back under control. A task found
// Running was interrupted: its run is failed and its leftovers removed.
func (m *Manager) restore() error {
	tasks, err := m.TaskDb.List(nil)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, t := range tasks {
		switch t.Status {
		case task.Running:
			if err := m.Worker.StopTask(m.ctx, t.ID); err != nil {
				m.logger.Warn("Error removing leftovers", zap.String("task", t.ID.String()), zap.Error(err))
			}
			updated, err := m.TaskDb.Update(t.ID, func(t *task.Task) error {
				if r := t.ActiveRun(); r != nil {
					ended := *r
					ended.FinishedAt = now
					ended.Outcome = task.Failure
					ended.Error = fmt.Sprintf("%v: interrupted", task.ErrExecution)
					if err := t.EndRun(ended); err != nil {
						return err
					}
				}
				if t.Recurring() {
					t.Start = now
					return t.Transition(task.Waiting)
				}
				return t.Transition(task.Done)
			})
			if err != nil {
				return err
			}
			if updated.Status == task.Waiting {
				m.Scheduler.Arm(updated.ID, updated.Start)
			}
		case task.Waiting:
			m.Scheduler.Arm(t.ID, t.Start)
		}
	}
	m.logger.Info("Tasks recovered", zap.Int("tasks", len(tasks)))
	return nil
}

// ArtifactPath resolves sub inside the volumes of task id, once the
// path claim of c allows it. Symlinks are followed and must land inside
// the volumes, where the claim is checked again.
func (m *Manager) ArtifactPath(c *auth.Claims, id uuid.UUID, sub string) (string, error) {
	if _, err := m.TaskDb.Get(id); err != nil {
		return "", err
	}
	volumes := m.Worker.WorkDir(id) + "/volumes"
	requested := volumes + "/" + strings.TrimPrefix(sub, "/")
	if err := authorize(c, id, requested); err != nil {
		return "", err
	}
	resolved, err := worker.Resolve(volumes, filepath.Clean(requested))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("%w: %s", task.ErrNotFound, sub)
	case errors.Is(err, worker.ErrEscape):
		return "", fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	case err != nil:
		return "", err
	}
	if err := authorize(c, id, resolved); err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", task.ErrNotFound, sub)
	}
	return resolved, nil
}

func authorize(c *auth.Claims, id uuid.UUID, p string) error {
	decision, err := auth.Authorize(c, id.String(), p)
	if err != nil {
		return err
	}
	if decision != auth.Allow {
		return fmt.Errorf("%w: can't read %s", auth.ErrUnauthorized, p)
	}
	return nil
}

// Flush removes terminal tasks untouched for longer than age.
func (m *Manager) Flush(age time.Duration) (int, error) {
	tasks, err := m.TaskDb.List(nil)
	if err != nil {
		return 0, err
	}
	limit := time.Now().Add(-age)
	n := 0
	for _, t := range tasks {
		if !t.Status.Terminal() || t.Mtime.After(limit) || m.cancelling(t.ID) {
			continue
		}
		if err := m.TaskDb.Delete(t.ID); err != nil {
			return n, err
		}
		m.prune(t.ID)
		n++
	}
	return n, nil
}

func (m *Manager) janitor() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Flush(m.cfg.FlushAfter)
			if err != nil {
				m.logger.Error("Error flushing tasks", zap.Error(err))
			} else if n > 0 {
				m.logger.Info("Tasks flushed", zap.Int("tasks", n))
			}
		}
	}
}

// prune removes the working directory of id when configured to.
func (m *Manager) prune(id uuid.UUID) {
	if !m.cfg.PruneOnDelete {
		return
	}
	if err := os.RemoveAll(m.Worker.WorkDir(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("Error pruning work dir", zap.String("task", id.String()), zap.Error(err))
	}
}
