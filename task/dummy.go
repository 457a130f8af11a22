package task

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"density/compose"
)

// Dummy is an in-process Runtime, used for tests and illustration purpose.
// Each project "runs" for Duration and exits with ExitCode.
type Dummy struct {
	Duration time.Duration
	ExitCode int
	UpError  error

	mu       sync.Mutex
	projects map[string]*dummyProject
	ups      int
}

type dummyProject struct {
	names []string
	done  chan struct{}
}

func NewDummy(d time.Duration) *Dummy {
	return &Dummy{
		Duration: d,
		projects: make(map[string]*dummyProject),
	}
}

func (d *Dummy) Name() string {
	return Runner
}

func (d *Dummy) Up(ctx context.Context, p *compose.Project) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UpError != nil {
		return d.UpError
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, exists := d.projects[p.Name]; exists {
		return fmt.Errorf("project %s is already up", p.Name)
	}
	dp := &dummyProject{done: make(chan struct{})}
	for _, svc := range p.Services {
		dp.names = append(dp.names, compose.ContainerName(p.Name, svc.Name))
	}
	d.projects[p.Name] = dp
	d.ups++
	return nil
}

func (d *Dummy) Wait(ctx context.Context, p *compose.Project) (int, error) {
	d.mu.Lock()
	dp, ok := d.projects[p.Name]
	d.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("no such project %s", p.Name)
	}
	select {
	case <-time.After(d.Duration):
		return d.ExitCode, nil
	case <-dp.done:
		return 137, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *Dummy) Logs(ctx context.Context, p *compose.Project, w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s done\n", p.Name)
	return err
}

func (d *Dummy) Down(ctx context.Context, project string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dp, ok := d.projects[project]; ok {
		close(dp.done)
		delete(d.projects, project)
	}
	return nil
}

func (d *Dummy) Containers(ctx context.Context, project string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dp, ok := d.projects[project]; ok {
		return append([]string(nil), dp.names...), nil
	}
	return nil, nil
}

// Ups counts the projects started so far.
func (d *Dummy) Ups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ups
}
