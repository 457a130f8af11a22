package task

import (
	"context"
	"io"

	"density/compose"
)

// Runtime runs a compose project as containers.
// Down must be idempotent: removing what is already gone is not an error.
type Runtime interface {
	Name() string
	Up(ctx context.Context, p *compose.Project) error
	// Wait blocks until the main service stops and returns its exit code.
	Wait(ctx context.Context, p *compose.Project) (int, error)
	Logs(ctx context.Context, p *compose.Project, w io.Writer) error
	Down(ctx context.Context, project string) error
	// Containers lists what is left of a project. Empty means not found.
	Containers(ctx context.Context, project string) ([]string, error)
}
