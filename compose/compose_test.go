package compose

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloCompose = `
version: '3'
services:
  hello:
    image: busybox
    command: "sh -c 'sleep 2 && echo world > /test/hello'"
    volumes:
      - ./test:/test
x-batch:
  max_execution_time: 120s
  every: 2s
`

func TestParseLiftsBatch(t *testing.T) {
	c, err := Parse([]byte(helloCompose))
	require.NoError(t, err)
	b, err := c.LiftBatch()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, b.MaxExecutionTime)
	assert.Equal(t, 2*time.Second, b.Every)
	assert.Empty(t, b.Cron)
	assert.NotContains(t, c.Extensions, BatchKey)
	assert.NoError(t, c.Validate())
}

func TestYAMLAndJSONAreIndistinguishable(t *testing.T) {
	fromYAML, err := Parse([]byte(helloCompose))
	require.NoError(t, err)
	_, err = fromYAML.LiftBatch()
	require.NoError(t, err)

	fromJSON := NewCompose()
	err = json.Unmarshal([]byte(`{
		"version": "3",
		"services": {
			"hello": {
				"image": "busybox",
				"command": "sh -c 'sleep 2 && echo world > /test/hello'",
				"volumes": ["./test:/test"]
			}
		}
	}`), fromJSON)
	require.NoError(t, err)

	a, err := json.Marshal(fromYAML)
	require.NoError(t, err)
	b, err := json.Marshal(fromJSON)
	require.NoError(t, err)
	assert.JSONEq(t, string(b), string(a))
}

func TestJSONEcho(t *testing.T) {
	src := `{"version":"3","services":{"hello":{"command":"echo world","image":"busybox:latest"}}}`
	c := NewCompose()
	require.NoError(t, json.Unmarshal([]byte(src), c))
	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, src, string(out))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ok      bool
	}{
		{"valid", "services:\n  a:\n    image: busybox\n", true},
		{"no services", "version: '3'\n", false},
		{"no image", "services:\n  a:\n    command: ls\n", false},
		{"privileged", "services:\n  a:\n    image: busybox\n    privileged: true\n", false},
		{"container name", "services:\n  a:\n    image: busybox\n    container_name: foo\n", false},
		{"absolute volume", "services:\n  a:\n    image: busybox\n    volumes:\n      - /etc:/etc\n", false},
		{"escaping volume", "services:\n  a:\n    image: busybox\n    volumes:\n      - ./a/../../b:/b\n", false},
		{"deep volume", "services:\n  a:\n    image: busybox\n    volumes:\n      - ./1/2/3/4/5/6/7/8/9:/b\n", false},
		{"cache is reserved", "services:\n  a:\n    image: busybox\n    volumes:\n      - ./a:/cache\n", false},
		{"bad port", "services:\n  a:\n    image: busybox\n    ports:\n      - \"nope\"\n", false},
		{"two services without main", "services:\n  a:\n    image: busybox\n  b:\n    image: busybox\n", false},
		{"two services with main", "services:\n  a:\n    image: busybox\n  b:\n    image: busybox\nx-batch:\n  main: a\n", true},
		{"unknown dependency", "services:\n  a:\n    image: busybox\n    depends_on: [c]\n", false},
		{"cycle", "services:\n  a:\n    image: busybox\n    depends_on: [b]\n  b:\n    image: busybox\n    depends_on: [a]\nx-batch:\n  main: a\n", false},
		{"bad quoting", "services:\n  a:\n    image: busybox\n    command: \"sh -c 'oops\"\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.content))
			require.NoError(t, err)
			err = c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidSpec), "got %v", err)
			}
		})
	}
}

func TestParseRejectsUnknownTopLevel(t *testing.T) {
	_, err := Parse([]byte("services:\n  a:\n    image: busybox\nnetworks:\n  default: {}\n"))
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestProject(t *testing.T) {
	c, err := Parse([]byte(`
services:
  db:
    image: redis
  app:
    image: busybox
    command: echo $NAME
    depends_on: [db]
    environment:
      NAME: $NAME
    volumes:
      - ./out:/out:ro
    ports:
      - "8080:80"
x-batch:
  main: app
`))
	require.NoError(t, err)
	wd := filepath.Join(t.TempDir(), "wd", "abc")
	p, err := c.Project("abc", wd, map[string]string{"NAME": "Bob", "DENSITY": "true"})
	require.NoError(t, err)

	assert.Equal(t, "app", p.Main)
	require.Len(t, p.Services, 2)
	assert.Equal(t, "db", p.Services[0].Name)
	app := p.Services[1]
	assert.Equal(t, []string{"echo", "Bob"}, app.Command)
	assert.Contains(t, app.Environment, "NAME=Bob")
	assert.Contains(t, app.Environment, "DENSITY=true")
	assert.Contains(t, app.Binds, filepath.Join(wd, "volumes", "out")+":/out:ro")
	assert.Contains(t, app.Binds, filepath.Join(wd, "cache")+":"+CacheMountPoint)
	assert.Len(t, app.ExposedPorts, 1)
	assert.Equal(t, "abc", app.Labels[LabelTask])
	assert.Equal(t, "abc_app_1", ContainerName(p.Name, app.Name))
	assert.Contains(t, p.HostDirs(), filepath.Join(wd, "volumes", "out"))
}

func TestCacheHomeIsExpanded(t *testing.T) {
	c, err := Parse([]byte(`
services:
  hello:
    image: busybox
    command: "sh -c 'sleep 2 && touch $XDG_CACHE_HOME/test'"
`))
	require.NoError(t, err)
	p, err := c.Project("abc", t.TempDir(), map[string]string{"XDG_CACHE_HOME": CacheMountPoint})
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "sleep 2 && touch /cache/test"}, p.Services[0].Command)
}

func TestClone(t *testing.T) {
	c, err := Parse([]byte(helloCompose))
	require.NoError(t, err)
	clone := c.Clone()
	clone.Services["hello"].(map[string]any)["image"] = "alpine"
	assert.Equal(t, "busybox", c.Services["hello"].(map[string]any)["image"])
}
