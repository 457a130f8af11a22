package task

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"density/compose"

	"github.com/google/uuid"
)

// 1. Describe a batch workload and its recurrence
// 2. Keep the run history of every execution
// 3. Carry the environment handed to the containers

const Runner = "compose"

type State int

const (
	Waiting State = iota
	Running
	Done
	Cancelled
)

var stateNames = [...]string{"Waiting", "Running", "Done", "Cancelled"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalJSON() ([]byte, error) {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

type Outcome string

const (
	Success         Outcome = "success"
	Failure         Outcome = "failure"
	Timeout         Outcome = "timeout"
	CancelledByUser Outcome = "cancelled"
)

type Run struct {
	ID         int       `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Runner     string    `json:"runner"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
}

func (r Run) Active() bool {
	return r.Outcome == ""
}

type Task struct {
	ID               uuid.UUID         `json:"id"`
	Owner            string            `json:"owner"`
	CPU              int               `json:"cpu"`
	RAM              int               `json:"ram"`
	MaxExecutionTime Duration          `json:"max_execution_time"`
	Action           Action            `json:"action"`
	Labels           map[string]string `json:"labels"`
	Retry            int               `json:"retry"`
	Every            Duration          `json:"every,omitempty"`
	Cron             string            `json:"cron,omitempty"`
	Status           State             `json:"status"`
	Environments     map[string]string `json:"environments,omitempty"`
	Runs             []Run             `json:"runs"`
	Start            time.Time         `json:"start"`
	CreatedAt        time.Time         `json:"created_at"`
	Mtime            time.Time         `json:"mtime"`
}

// Recurring reports whether the task is re-armed after each run.
func (t *Task) Recurring() bool {
	return t.Every > 0 || t.Cron != ""
}

// LastRun returns the most recent run, if any.
func (t *Task) LastRun() *Run {
	if len(t.Runs) == 0 {
		return nil
	}
	return &t.Runs[0]
}

// ActiveRun returns the run that has not ended yet.
func (t *Task) ActiveRun() *Run {
	r := t.LastRun()
	if r == nil || !r.Active() {
		return nil
	}
	return r
}

// EndRun records how run r ended. A run ends once.
func (t *Task) EndRun(r Run) error {
	for i := range t.Runs {
		if t.Runs[i].ID != r.ID {
			continue
		}
		if !t.Runs[i].Active() {
			return fmt.Errorf("run %d already ended", r.ID)
		}
		t.Runs[i].FinishedAt = r.FinishedAt
		t.Runs[i].Outcome = r.Outcome
		t.Runs[i].ExitCode = r.ExitCode
		t.Runs[i].Error = r.Error
		return nil
	}
	return fmt.Errorf("run %d not found", r.ID)
}

func (t *Task) NextRunID() int {
	if r := t.LastRun(); r != nil {
		return r.ID + 1
	}
	return 1
}

// Clone returns a deep copy, safe to hand out of the store lock.
func (t *Task) Clone() *Task {
	c := *t
	c.Labels = copyMap(t.Labels)
	c.Environments = copyMap(t.Environments)
	if t.Runs != nil {
		c.Runs = make([]Run, len(t.Runs))
		copy(c.Runs, t.Runs)
	}
	if t.Action.Compose != nil {
		c.Action.Compose = t.Action.Compose.Clone()
	}
	return &c
}

func (t *Task) MatchLabels(filter map[string]string) bool {
	for k, v := range filter {
		got, ok := t.Labels[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

var labelPattern = regexp.MustCompile(`^[a-z0-9]+([.-][a-z0-9]+)*$`)

// Validate checks the parts of a task a client controls.
func (t *Task) Validate() error {
	var errs []error
	if t.Action.Compose == nil {
		errs = append(errs, fmt.Errorf("an action is required"))
	} else if err := t.Action.Compose.Validate(); err != nil {
		errs = append(errs, err)
	}
	if t.MaxExecutionTime <= 0 {
		errs = append(errs, fmt.Errorf("max_execution_time must be > 0"))
	}
	if t.Every < 0 {
		errs = append(errs, fmt.Errorf("every must be positive"))
	}
	if t.Every > 0 && t.Cron != "" {
		errs = append(errs, fmt.Errorf("every and cron are mutually exclusive"))
	}
	if t.CPU < 0 || t.RAM < 0 {
		errs = append(errs, fmt.Errorf("cpu and ram can't be negative"))
	}
	for k, v := range t.Labels {
		if !labelPattern.MatchString(k) {
			errs = append(errs, fmt.Errorf("invalid label key %q", k))
		}
		if !labelPattern.MatchString(v) {
			errs = append(errs, fmt.Errorf("invalid label value %q for key %q", v, k))
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}

// InjectEnv sets the variables describing the run that starts at now.
func (t *Task) InjectEnv(now time.Time, runID int) {
	if t.Environments == nil {
		t.Environments = make(map[string]string)
	}
	t.Environments["DENSITY"] = "true"
	t.Environments["DENSITY_STARTED_AT_DATE"] = now.Format("2006/01/02")
	t.Environments["DENSITY_STARTED_AT_TIME"] = now.Format("15:04:05")
	t.Environments["DENSITY_TASK_ID"] = t.ID.String()
	t.Environments["DENSITY_RUN_ID"] = fmt.Sprintf("%d", runID)
	t.Environments["DENSITY_RUNNER"] = Runner
	t.Environments["DENSITY_MAX_EXECUTION_TIME"] = t.MaxExecutionTime.String()
	t.Environments["XDG_CACHE_HOME"] = compose.CacheMountPoint
}

type TaskEvent struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	State     State     `json:"state"`
	RunID     int       `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEvent(t *Task) TaskEvent {
	e := TaskEvent{
		ID:        uuid.New(),
		TaskID:    t.ID,
		State:     t.Status,
		Timestamp: time.Now(),
	}
	if r := t.LastRun(); r != nil {
		e.RunID = r.ID
	}
	return e
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
