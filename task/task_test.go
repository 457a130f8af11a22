package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"density/compose"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func helloTask(t *testing.T) *Task {
	c, err := compose.Parse([]byte("version: '3'\nservices:\n  hello:\n    image: busybox\n    command: echo world\n"))
	require.NoError(t, err)
	return &Task{
		ID:               uuid.New(),
		MaxExecutionTime: Duration(3 * time.Second),
		Action:           Action{Compose: c},
	}
}

func TestStateJSON(t *testing.T) {
	j, err := json.Marshal(Done)
	require.NoError(t, err)
	assert.Equal(t, `"Done"`, string(j))

	var s State
	assert.Error(t, json.Unmarshal([]byte(`"plop"`), &s))
	require.NoError(t, json.Unmarshal([]byte(`"Cancelled"`), &s))
	assert.Equal(t, Cancelled, s)
}

func TestDurationNormalization(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"120s"`), &d))
	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2m0s"`, string(out))

	require.NoError(t, json.Unmarshal([]byte(`3000000000`), &d))
	assert.Equal(t, 3*time.Second, time.Duration(d))

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		src, dst State
		valid    bool
	}{
		{Waiting, Running, true},
		{Waiting, Cancelled, true},
		{Waiting, Done, false},
		{Running, Waiting, true},
		{Running, Done, true},
		{Running, Cancelled, true},
		{Done, Running, false},
		{Done, Cancelled, false},
		{Cancelled, Waiting, false},
		{Cancelled, Running, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidStateTransition(tt.src, tt.dst), "%s -> %s", tt.src, tt.dst)
	}
	assert.True(t, Done.Terminal())
	assert.True(t, Cancelled.Terminal())
	assert.False(t, Running.Terminal())

	tk := &Task{Status: Done}
	err := tk.Transition(Running)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, Done, tk.Status)
}

func TestValidate(t *testing.T) {
	tk := helloTask(t)
	assert.NoError(t, tk.Validate())

	tk.Labels = map[string]string{"pika": "chu", "answer": "42"}
	assert.NoError(t, tk.Validate())

	tk.Labels = map[string]string{"Pika": "chu"}
	assert.ErrorIs(t, tk.Validate(), ErrInvalidSpec)

	tk = helloTask(t)
	tk.Every = Duration(time.Minute)
	tk.Cron = "*/1 * * * *"
	assert.ErrorIs(t, tk.Validate(), ErrInvalidSpec)

	tk = helloTask(t)
	tk.MaxExecutionTime = 0
	assert.ErrorIs(t, tk.Validate(), ErrInvalidSpec)

	tk = helloTask(t)
	tk.Action = Action{}
	assert.ErrorIs(t, tk.Validate(), ErrInvalidSpec)
}

func TestActionJSON(t *testing.T) {
	src := `{"compose":{"version":"3","services":{"hello":{"command":"echo world","image":"busybox:latest"}}}}`
	var a Action
	require.NoError(t, json.Unmarshal([]byte(src), &a))
	require.NotNil(t, a.Compose)
	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, src, string(out))

	assert.ErrorIs(t, json.Unmarshal([]byte(`{"shell":{}}`), &a), ErrInvalidSpec)
}

func TestInjectEnv(t *testing.T) {
	tk := helloTask(t)
	tk.Environments = map[string]string{"NAME": "Bob"}
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	tk.InjectEnv(now, 4)

	assert.Equal(t, "true", tk.Environments["DENSITY"])
	assert.Equal(t, "2024/03/09", tk.Environments["DENSITY_STARTED_AT_DATE"])
	assert.Equal(t, "14:05:07", tk.Environments["DENSITY_STARTED_AT_TIME"])
	assert.Equal(t, tk.ID.String(), tk.Environments["DENSITY_TASK_ID"])
	assert.Equal(t, "4", tk.Environments["DENSITY_RUN_ID"])
	assert.Equal(t, "compose", tk.Environments["DENSITY_RUNNER"])
	assert.Equal(t, "3s", tk.Environments["DENSITY_MAX_EXECUTION_TIME"])
	assert.Equal(t, "/cache", tk.Environments["XDG_CACHE_HOME"])
	assert.Equal(t, "Bob", tk.Environments["NAME"])
}

func TestRunsAndClone(t *testing.T) {
	tk := helloTask(t)
	assert.Equal(t, 1, tk.NextRunID())
	assert.Nil(t, tk.ActiveRun())

	tk.Runs = []Run{{ID: 2, Runner: Runner}, {ID: 1, Runner: Runner, Outcome: Success}}
	assert.Equal(t, 3, tk.NextRunID())
	require.NotNil(t, tk.ActiveRun())
	assert.Equal(t, 2, tk.ActiveRun().ID)

	tk.Labels = map[string]string{"pika": "chu"}
	c := tk.Clone()
	c.Runs[0].Outcome = Failure
	c.Labels["pika"] = "pi"
	assert.True(t, tk.Runs[0].Active())
	assert.Equal(t, "chu", tk.Labels["pika"])

	assert.True(t, tk.MatchLabels(map[string]string{"pika": "chu"}))
	assert.False(t, tk.MatchLabels(map[string]string{"pika": "pi"}))
	assert.False(t, tk.MatchLabels(map[string]string{"nope": "chu"}))
	assert.True(t, tk.MatchLabels(nil))
}

func TestTaskJSONRoundTrip(t *testing.T) {
	tk := helloTask(t)
	tk.Every = Duration(2 * time.Second)
	tk.Status = Running
	b, err := json.Marshal(tk)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "Running", m["status"])
	assert.Equal(t, "3s", m["max_execution_time"])
	assert.Equal(t, "2s", m["every"])
	assert.NotContains(t, m, "cron")
	assert.EqualValues(t, 0, m["retry"])

	var back Task
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, tk.ID, back.ID)
	assert.True(t, back.Recurring())
}
