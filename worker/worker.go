package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"density/compose"
	"density/metrics"
	"density/task"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 1. Run tasks as compose projects
// 2. Stop them once their max execution time is over
// 3. Tear them down on request
// 4. Report how each run ended

// ErrBusy is returned when starting a task that still has a run.
var ErrBusy = errors.New("task already has an active run")

// Store is the part of the task store a worker mutates.
type Store interface {
	Update(id uuid.UUID, fn func(t *task.Task) error) (*task.Task, error)
}

// Result is a run that just ended, outcome included.
type Result struct {
	TaskID uuid.UUID
	Run    task.Run
}

type Worker struct {
	Name    string
	Runtime task.Runtime
	Db      Store
	// Home holds one working directory per task.
	Home            string
	OnDone          func(Result)
	TeardownTimeout time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[uuid.UUID]*execution
}

type execution struct {
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	cancelled bool
}

func (e *execution) markCancelled() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

func (e *execution) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func New(name string, rt task.Runtime, db Store, home string, logger *zap.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		Name:            name,
		Runtime:         rt,
		Db:              db,
		Home:            home,
		TeardownTimeout: 30 * time.Second,
		logger:          logger,
		metrics:         m,
		active:          make(map[uuid.UUID]*execution),
	}
}

func (w *Worker) WorkDir(id uuid.UUID) string {
	return filepath.Join(w.Home, id.String())
}

// StartTask moves a Waiting task to Running, appends its new run and
// starts the workload in the background.
func (w *Worker) StartTask(ctx context.Context, id uuid.UUID) (task.Run, error) {
	w.mu.Lock()
	if _, busy := w.active[id]; busy {
		w.mu.Unlock()
		return task.Run{}, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	base, cancel := context.WithCancel(ctx)
	exec := &execution{cancel: cancel, done: make(chan struct{})}
	w.active[id] = exec
	w.mu.Unlock()

	now := time.Now()
	t, err := w.Db.Update(id, func(t *task.Task) error {
		if err := t.Transition(task.Running); err != nil {
			return err
		}
		run := task.Run{
			ID:        t.NextRunID(),
			StartedAt: now,
			Runner:    w.Runtime.Name(),
		}
		t.InjectEnv(now, run.ID)
		t.Runs = append([]task.Run{run}, t.Runs...)
		return nil
	})
	if err != nil {
		cancel()
		w.forget(id)
		close(exec.done)
		return task.Run{}, err
	}

	run := t.Runs[0]
	runCtx, stop := context.WithTimeout(base, time.Duration(t.MaxExecutionTime))
	w.metrics.RunStarted(ctx)
	w.logger.Info("Run started", zap.String("task", id.String()), zap.Int("run", run.ID))

	go func() {
		defer stop()
		w.execute(runCtx, exec, t, run)
	}()
	return run, nil
}

func (w *Worker) execute(ctx context.Context, exec *execution, t *task.Task, run task.Run) {
	defer exec.cancel()
	l := w.logger.With(zap.String("task", t.ID.String()), zap.Int("run", run.ID))

	exitCode := -1
	started := false
	project, err := t.Action.Compose.Project(t.ID.String(), w.WorkDir(t.ID), t.Environments)
	if err == nil {
		project.CPU = t.CPU
		project.RAM = t.RAM
		err = prepare(project)
	}
	if err == nil {
		err = w.Runtime.Up(ctx, project)
		started = err == nil
	}
	if started {
		exitCode, err = w.Runtime.Wait(ctx, project)
	}
	if started {
		if logErr := w.writeLogs(project, run.ID); logErr != nil {
			l.Warn("Error collecting logs", zap.Error(logErr))
		}
	}

	run.FinishedAt = time.Now()
	run.ExitCode = exitCode
	switch {
	case exec.isCancelled():
		run.Outcome = task.CancelledByUser
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		run.Outcome = task.Timeout
		run.Error = task.ErrTimeout.Error()
	case err != nil:
		run.Outcome = task.Failure
		run.Error = fmt.Errorf("%w: %v", task.ErrExecution, err).Error()
	case exitCode != 0:
		run.Outcome = task.Failure
		run.Error = fmt.Sprintf("%v: exit code %d", task.ErrExecution, exitCode)
	default:
		run.Outcome = task.Success
	}

	if err := w.teardown(t.ID.String()); err != nil {
		l.Error("Error tearing down", zap.Error(err))
	}
	l.Info("Run ended", zap.String("outcome", string(run.Outcome)), zap.Int("exit_code", exitCode), zap.String("error", run.Error))
	w.metrics.RunFinished(context.Background(), string(run.Outcome), run.FinishedAt.Sub(run.StartedAt))

	// forgotten first, so OnDone may start the next run right away
	w.forget(t.ID)
	if w.OnDone != nil {
		w.OnDone(Result{TaskID: t.ID, Run: run})
	}
	close(exec.done)
}

// StopTask cancels the active run of id, if any, and returns once
// nothing of the task is left in the runtime.
func (w *Worker) StopTask(ctx context.Context, id uuid.UUID) error {
	w.mu.Lock()
	exec := w.active[id]
	w.mu.Unlock()

	if exec != nil {
		exec.markCancelled()
		exec.cancel()
		select {
		case <-exec.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.teardown(id.String())
}

// AwaitCompletion blocks until the active run of id is over.
func (w *Worker) AwaitCompletion(ctx context.Context, id uuid.UUID) error {
	w.mu.Lock()
	exec := w.active[id]
	w.mu.Unlock()
	if exec == nil {
		return nil
	}
	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) Running(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[id]
	return ok
}

func (w *Worker) TaskCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *Worker) forget(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, id)
}

// teardown removes every container of project, retrying until the
// runtime reports none left.
func (w *Worker) teardown(project string) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.TeardownTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := w.Runtime.Down(ctx, project); err != nil {
			return struct{}{}, err
		}
		left, err := w.Runtime.Containers(ctx, project)
		if err != nil {
			return struct{}{}, err
		}
		if len(left) > 0 {
			return struct{}{}, fmt.Errorf("%d containers left", len(left))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(w.TeardownTimeout))
	return err
}

// prepare creates the host side of every bind mount. A mount source
// reaching out of the task working directory through a symlink is
// refused, before and after its creation.
func prepare(p *compose.Project) error {
	if err := os.MkdirAll(p.WorkDir, 0o755); err != nil {
		return err
	}
	root, err := filepath.EvalSymlinks(p.WorkDir)
	if err != nil {
		return err
	}
	for _, dir := range p.HostDirs() {
		if err := stayWithin(root, dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := stayWithin(root, dir); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) writeLogs(p *compose.Project, runID int) error {
	dir := filepath.Join(p.WorkDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("run-%d.log", runID)))
	if err != nil {
		return err
	}
	defer f.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.Runtime.Logs(ctx, p, f)
}
