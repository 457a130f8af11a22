package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"density/auth"
	"density/compose"
	"density/metrics"
	"density/store"
	"density/task"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const helloCompose = `
services:
  hello:
    image: busybox
    command: echo world
    volumes:
      - ./test:/test
`

type fixture struct {
	db      *store.TaskStore
	runtime *task.Dummy
	manager *Manager
	wd      string
}

func newFixture(t *testing.T, d time.Duration, cpu int) *fixture {
	f := &fixture{
		db:      store.NewTaskStore(store.NewInMemoryStore()),
		runtime: task.NewDummy(d),
		wd:      t.TempDir(),
	}
	f.manager = New(Config{
		WorkDir:                 f.wd,
		DefaultMaxExecutionTime: time.Minute,
		CPU:                     cpu,
		RAM:                     4096,
	}, f.db, f.runtime, zaptest.NewLogger(t), metrics.Noop())
	f.manager.Worker.TeardownTimeout = 2 * time.Second
	return f
}

func (f *fixture) start(t *testing.T) {
	require.NoError(t, f.manager.Start(context.Background()))
	t.Cleanup(f.manager.Stop)
}

func newTask(t *testing.T) *task.Task {
	c, err := compose.Parse([]byte(helloCompose))
	require.NoError(t, err)
	return &task.Task{Owner: "bob", Action: task.Action{Compose: c}}
}

func (f *fixture) status(t *testing.T, id uuid.UUID) task.State {
	got, err := f.manager.GetTask(id)
	require.NoError(t, err)
	return got.Status
}

func (f *fixture) waitStatus(t *testing.T, id uuid.UUID, st task.State) {
	require.Eventually(t, func() bool {
		return f.status(t, id) == st
	}, 3*time.Second, 5*time.Millisecond, "task never reached %s", st)
}

func TestOneShot(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, 4)
	f.start(t)

	created, err := f.manager.AddTask(context.Background(), newTask(t))
	require.NoError(t, err)
	assert.Equal(t, task.Waiting, created.Status)
	assert.Equal(t, task.Duration(time.Minute), created.MaxExecutionTime)

	f.waitStatus(t, created.ID, task.Done)
	done, err := f.manager.GetTask(created.ID)
	require.NoError(t, err)
	require.Len(t, done.Runs, 1)
	assert.Equal(t, 1, done.Runs[0].ID)
	assert.Equal(t, task.Success, done.Runs[0].Outcome)
	assert.False(t, done.Runs[0].FinishedAt.IsZero())

	// completing a run keeps the record and its artifacts
	assert.DirExists(t, filepath.Join(f.wd, created.ID.String(), "volumes", "test"))
	assert.Eventually(t, func() bool {
		cpu, ram := f.manager.Resources.Used()
		return cpu == 0 && ram == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTimeout(t *testing.T) {
	f := newFixture(t, time.Minute, 4)
	f.start(t)

	tsk := newTask(t)
	tsk.MaxExecutionTime = task.Duration(50 * time.Millisecond)
	created, err := f.manager.AddTask(context.Background(), tsk)
	require.NoError(t, err)

	f.waitStatus(t, created.ID, task.Done)
	done, _ := f.manager.GetTask(created.ID)
	assert.Equal(t, task.Timeout, done.LastRun().Outcome)
	left, _ := f.runtime.Containers(context.Background(), created.ID.String())
	assert.Empty(t, left)
}

func TestRecurring(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond, 4)
	f.start(t)

	tsk := newTask(t)
	tsk.Every = task.Duration(30 * time.Millisecond)
	created, err := f.manager.AddTask(context.Background(), tsk)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.manager.GetTask(created.ID)
		return err == nil && len(got.Runs) >= 3
	}, 3*time.Second, 10*time.Millisecond)

	result, err := f.manager.CancelTask(context.Background(), created.ID, true)
	require.NoError(t, err)
	assert.Equal(t, Completed, result)

	got, err := f.manager.GetTask(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Cancelled, got.Status)
	for i := 1; i < len(got.Runs); i++ {
		assert.Greater(t, got.Runs[i-1].ID, got.Runs[i].ID, "runs are newest first")
	}
	for _, r := range got.Runs {
		assert.False(t, r.Active())
	}

	// no more runs once cancelled
	n := len(got.Runs)
	time.Sleep(100 * time.Millisecond)
	got, _ = f.manager.GetTask(created.ID)
	assert.Len(t, got.Runs, n)
}

func TestCronTaskRequiresValidExpression(t *testing.T) {
	f := newFixture(t, time.Millisecond, 4)
	tsk := newTask(t)
	tsk.Cron = "every now and then"
	_, err := f.manager.AddTask(context.Background(), tsk)
	assert.ErrorIs(t, err, task.ErrInvalidSpec)
}

func TestAddTaskTooLarge(t *testing.T) {
	f := newFixture(t, time.Millisecond, 2)
	tsk := newTask(t)
	tsk.CPU = 3
	_, err := f.manager.AddTask(context.Background(), tsk)
	assert.ErrorIs(t, err, task.ErrInvalidSpec)
	n, _ := f.db.Count()
	assert.Zero(t, n)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Minute, 4)
	f.start(t)

	created, err := f.manager.AddTask(context.Background(), newTask(t))
	require.NoError(t, err)
	f.waitStatus(t, created.ID, task.Running)

	var wg sync.WaitGroup
	results := make([]CancelResult, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.manager.CancelTask(context.Background(), created.ID, false)
		}(i)
	}
	wg.Wait()
	for i := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, Accepted, results[i])
	}

	result, err := f.manager.CancelTask(context.Background(), created.ID, true)
	require.NoError(t, err)
	assert.Equal(t, Completed, result)

	left, err := f.runtime.Containers(context.Background(), created.ID.String())
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, 1, f.runtime.Ups())

	got, err := f.manager.GetTask(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Cancelled, got.Status)
	assert.Equal(t, task.CancelledByUser, got.LastRun().Outcome)

	// once removed
	result, err = f.manager.CancelTask(context.Background(), created.ID, false)
	assert.NoError(t, err)
	assert.Equal(t, Accepted, result)
	result, err = f.manager.CancelTask(context.Background(), created.ID, true)
	assert.NoError(t, err)
	assert.Equal(t, Completed, result)
}

func TestCancelWaitingTask(t *testing.T) {
	f := newFixture(t, time.Minute, 1)
	f.start(t)

	first := newTask(t)
	first.CPU = 1
	running, err := f.manager.AddTask(context.Background(), first)
	require.NoError(t, err)
	f.waitStatus(t, running.ID, task.Running)

	second := newTask(t)
	second.CPU = 1
	queued, err := f.manager.AddTask(context.Background(), second)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, task.Waiting, f.status(t, queued.ID))

	result, err := f.manager.CancelTask(context.Background(), queued.ID, false)
	require.NoError(t, err)
	assert.Equal(t, Completed, result)
	assert.Equal(t, task.Cancelled, f.status(t, queued.ID))

	_, err = f.manager.CancelTask(context.Background(), running.ID, true)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.runtime.Ups(), "a cancelled task never starts")
}

func TestQueuedUntilResourcesFree(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, 1)
	f.start(t)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		tsk := newTask(t)
		tsk.CPU = 1
		created, err := f.manager.AddTask(context.Background(), tsk)
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	for _, id := range ids {
		f.waitStatus(t, id, task.Done)
	}
	assert.Equal(t, 3, f.runtime.Ups())
}

func TestCancelUnknown(t *testing.T) {
	f := newFixture(t, time.Millisecond, 4)
	_, err := f.manager.CancelTask(context.Background(), uuid.New(), false)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestRecover(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, 4)

	interrupted, err := f.db.Create(newTask(t))
	require.NoError(t, err)
	_, err = f.db.Update(interrupted.ID, func(t *task.Task) error {
		t.Runs = []task.Run{{ID: 1, StartedAt: time.Now(), Runner: task.Runner}}
		return t.Transition(task.Running)
	})
	require.NoError(t, err)

	pending := newTask(t)
	pending.MaxExecutionTime = task.Duration(time.Minute)
	waiting, err := f.db.Create(pending)
	require.NoError(t, err)

	f.start(t)

	got, err := f.manager.GetTask(interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Done, got.Status)
	assert.Equal(t, task.Failure, got.LastRun().Outcome)
	assert.Contains(t, got.LastRun().Error, "interrupted")

	f.waitStatus(t, waiting.ID, task.Done)
}

func TestFlush(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond, 4)
	f.manager.cfg.PruneOnDelete = true
	f.start(t)

	created, err := f.manager.AddTask(context.Background(), newTask(t))
	require.NoError(t, err)
	f.waitStatus(t, created.ID, task.Done)

	n, err := f.manager.Flush(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.manager.Flush(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.manager.GetTask(created.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.NoDirExists(t, filepath.Join(f.wd, created.ID.String()))
}

func TestArtifactPath(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond, 4)
	f.start(t)

	created, err := f.manager.AddTask(context.Background(), newTask(t))
	require.NoError(t, err)
	f.waitStatus(t, created.ID, task.Done)
	answer := filepath.Join(f.wd, created.ID.String(), "volumes", "test", "answer")
	require.NoError(t, os.WriteFile(answer, []byte("42"), 0o644))

	claims := &auth.Claims{Owner: "bob", Path: f.wd + "/*/volumes/**"}
	got, err := f.manager.ArtifactPath(claims, created.ID, "/test/answer")
	require.NoError(t, err)
	assert.Equal(t, answer, got)

	_, err = f.manager.ArtifactPath(claims, created.ID, "/test/missing")
	assert.ErrorIs(t, err, task.ErrNotFound)

	_, err = f.manager.ArtifactPath(claims, created.ID, "/../../etc/passwd")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	other := &auth.Claims{Owner: "bob", Path: f.wd + "/" + uuid.NewString() + "/volumes/**"}
	_, err = f.manager.ArtifactPath(other, created.ID, "/test/answer")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = f.manager.ArtifactPath(claims, uuid.New(), "/test/answer")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestEventsArePublished(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := f.manager.Events.Subscribe(ctx)
	f.start(t)

	created, err := f.manager.AddTask(context.Background(), newTask(t))
	require.NoError(t, err)

	var states []task.State
	timeout := time.After(3 * time.Second)
	for len(states) < 3 {
		select {
		case evt := <-events:
			assert.Equal(t, created.ID, evt.TaskID)
			states = append(states, evt.State)
		case <-timeout:
			t.Fatalf("only got %v", states)
		}
	}
	assert.Equal(t, []task.State{task.Waiting, task.Running, task.Done}, states)
}

func TestArtifactPathSymlinkEscape(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond, 4)
	f.start(t)

	created, err := f.manager.AddTask(context.Background(), newTask(t))
	require.NoError(t, err)
	f.waitStatus(t, created.ID, task.Done)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s3cr3t"), 0o600))
	test := filepath.Join(f.wd, created.ID.String(), "volumes", "test")
	answer := filepath.Join(test, "answer")
	require.NoError(t, os.WriteFile(answer, []byte("42"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(test, "link")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(test, "passwd")))
	require.NoError(t, os.Symlink(answer, filepath.Join(test, "alias")))

	claims := &auth.Claims{Owner: "bob", Path: f.wd + "/*/volumes/**"}
	_, err = f.manager.ArtifactPath(claims, created.ID, "/test/link/secret")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.manager.ArtifactPath(claims, created.ID, "/test/passwd")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	// links staying inside the volumes are followed
	got, err := f.manager.ArtifactPath(claims, created.ID, "/test/alias")
	require.NoError(t, err)
	assert.Equal(t, answer, got)

	// the claim is matched against where the link leads
	narrow := &auth.Claims{Owner: "bob", Path: f.wd + "/*/volumes/test/alias"}
	_, err = f.manager.ArtifactPath(narrow, created.ID, "/test/alias")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestOneShotFailure(t *testing.T) {
	cases := map[string]func(d *task.Dummy){
		"exit code": func(d *task.Dummy) { d.ExitCode = 2 },
		"up error":  func(d *task.Dummy) { d.UpError = errors.New("no such image") },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 5*time.Millisecond, 4)
			setup(f.runtime)
			f.start(t)

			created, err := f.manager.AddTask(context.Background(), newTask(t))
			require.NoError(t, err)
			f.waitStatus(t, created.ID, task.Done)

			done, err := f.manager.GetTask(created.ID)
			require.NoError(t, err)
			require.Len(t, done.Runs, 1)
			assert.Equal(t, task.Failure, done.Runs[0].Outcome)
			assert.Contains(t, done.Runs[0].Error, task.ErrExecution.Error())
			assert.Eventually(t, func() bool {
				cpu, ram := f.manager.Resources.Used()
				return cpu == 0 && ram == 0
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestRecurringFailure(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond, 4)
	f.runtime.ExitCode = 1
	f.start(t)

	tsk := newTask(t)
	tsk.Every = task.Duration(30 * time.Millisecond)
	created, err := f.manager.AddTask(context.Background(), tsk)
	require.NoError(t, err)

	// a failed run does not end a recurring task
	require.Eventually(t, func() bool {
		got, err := f.manager.GetTask(created.ID)
		return err == nil && len(got.Runs) >= 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, task.Done, f.status(t, created.ID))

	result, err := f.manager.CancelTask(context.Background(), created.ID, true)
	require.NoError(t, err)
	assert.Equal(t, Completed, result)

	got, err := f.manager.GetTask(created.ID)
	require.NoError(t, err)
	// the newest run may have been cut short by the cancellation
	for _, r := range got.Runs[1:] {
		assert.Equal(t, task.Failure, r.Outcome)
		assert.Equal(t, 1, r.ExitCode)
	}
}
