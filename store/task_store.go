package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"density/task"

	"github.com/google/uuid"
)

// TaskStore encodes tasks into a Store and serializes every mutation of
// a given task id. It is the single source of truth for task state.
type TaskStore struct {
	kv    Store
	locks sync.Map
	now   func() time.Time
}

func NewTaskStore(kv Store) *TaskStore {
	return &TaskStore{kv: kv, now: time.Now}
}

func (s *TaskStore) lock(id uuid.UUID) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Create registers t under a fresh id, Waiting, with no runs.
func (s *TaskStore) Create(t *task.Task) (*task.Task, error) {
	c := t.Clone()
	c.ID = uuid.New()
	c.Status = task.Waiting
	c.Retry = 0
	c.Runs = []task.Run{}
	now := s.now()
	c.CreatedAt = now
	c.Mtime = now
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.put(c); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Put stores t as is. Used to restore tasks, not to mutate them.
func (s *TaskStore) Put(t *task.Task) error {
	if t.ID == uuid.Nil {
		return errors.New("task without id")
	}
	l := s.lock(t.ID)
	l.Lock()
	defer l.Unlock()
	return s.put(t)
}

func (s *TaskStore) Get(id uuid.UUID) (*task.Task, error) {
	v, err := s.kv.Get(id.String())
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// List returns the tasks carrying every label of filter, oldest first.
func (s *TaskStore) List(filter map[string]string) ([]*task.Task, error) {
	values, err := s.kv.List()
	if err != nil {
		return nil, err
	}
	tasks := make([]*task.Task, 0, len(values))
	for _, v := range values {
		t, err := decode(v)
		if err != nil {
			return nil, err
		}
		if t.MatchLabels(filter) {
			tasks = append(tasks, t)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Update applies fn to the stored task while holding its lock.
// Nothing is written if fn fails.
func (s *TaskStore) Update(id uuid.UUID, fn func(t *task.Task) error) (*task.Task, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.Mtime = s.now()
	if err := s.put(t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// AppendRun adds r as the newest run. Ids must keep growing.
func (s *TaskStore) AppendRun(id uuid.UUID, r task.Run) (*task.Task, error) {
	return s.Update(id, func(t *task.Task) error {
		if last := t.LastRun(); last != nil && r.ID <= last.ID {
			return fmt.Errorf("run %d is not after run %d", r.ID, last.ID)
		}
		t.Runs = append([]task.Run{r}, t.Runs...)
		return nil
	})
}

// FinishRun records how run r ended. A run ends once.
func (s *TaskStore) FinishRun(id uuid.UUID, r task.Run) (*task.Task, error) {
	return s.Update(id, func(t *task.Task) error {
		return t.EndRun(r)
	})
}

// SetStatus moves the task through the state machine.
func (s *TaskStore) SetStatus(id uuid.UUID, st task.State) (*task.Task, error) {
	return s.Update(id, func(t *task.Task) error {
		return t.Transition(st)
	})
}

func (s *TaskStore) Delete(id uuid.UUID) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()
	if err := s.kv.Delete(id.String()); err != nil {
		return err
	}
	s.locks.Delete(id)
	return nil
}

func (s *TaskStore) Count() (int, error) {
	return s.kv.Count()
}

func (s *TaskStore) put(t *task.Task) error {
	value, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.kv.Put(t.ID.String(), value)
}

func decode(v []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
