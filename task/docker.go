package task

import (
	"context"
	"fmt"
	"io"
	"strings"

	"density/compose"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Docker runs compose projects with the docker engine API,
// one container per service, on a network private to the project.
type Docker struct {
	Client *client.Client
	logger *zap.Logger
}

func NewDocker(logger *zap.Logger) (*Docker, error) {
	dc, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Docker{
		Client: dc,
		logger: logger,
	}, nil
}

func (d *Docker) Name() string {
	return Runner
}

func (d *Docker) Up(ctx context.Context, p *compose.Project) error {
	l := d.logger.With(zap.String("project", p.Name))
	netName := compose.NetworkName(p.Name)
	_, err := d.Client.NetworkCreate(ctx, netName, types.NetworkCreate{
		CheckDuplicate: true,
		Driver:         "bridge",
		Labels:         map[string]string{compose.LabelTask: p.Name},
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("create network %s: %w", netName, err)
	}

	for _, svc := range p.Services {
		if err := d.pull(ctx, svc.Image); err != nil {
			l.Error("Error pulling image", zap.String("image", svc.Image), zap.Error(err))
			return err
		}

		cc := container.Config{
			Image:        svc.Image,
			Tty:          false,
			Env:          svc.Environment,
			Cmd:          svc.Command,
			Entrypoint:   svc.Entrypoint,
			WorkingDir:   svc.WorkingDir,
			User:         svc.User,
			Labels:       svc.Labels,
			ExposedPorts: svc.ExposedPorts,
		}

		hc := container.HostConfig{
			Binds:        svc.Binds,
			NetworkMode:  container.NetworkMode(netName),
			PortBindings: svc.PortBindings,
			Resources: container.Resources{
				Memory:   int64(p.RAM) * 1024 * 1024,
				NanoCPUs: int64(p.CPU) * 1e9,
			},
		}

		nc := network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				netName: {Aliases: []string{svc.Name}},
			},
		}

		name := compose.ContainerName(p.Name, svc.Name)
		resp, err := d.Client.ContainerCreate(ctx, &cc, &hc, &nc, nil, name)
		if err != nil {
			l.Error("Error creating container", zap.String("container", name), zap.Error(err))
			return fmt.Errorf("create %s: %w", name, err)
		}

		if err := d.Client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
			l.Error("Error starting container", zap.String("container", name), zap.Error(err))
			return fmt.Errorf("start %s: %w", name, err)
		}
		l.Info("Container started", zap.String("container", name), zap.String("id", resp.ID))
	}
	return nil
}

func (d *Docker) pull(ctx context.Context, image string) error {
	if _, _, err := d.Client.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return err
	}
	reader, err := d.Client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) Wait(ctx context.Context, p *compose.Project) (int, error) {
	statusCh, errCh := d.Client.ContainerWait(ctx, compose.ContainerName(p.Name, p.Main), container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, ctxErr
		}
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *Docker) Logs(ctx context.Context, p *compose.Project, w io.Writer) error {
	out, err := d.Client.ContainerLogs(ctx, compose.ContainerName(p.Name, p.Main), types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = stdcopy.StdCopy(w, w, out)
	return err
}

func (d *Docker) Down(ctx context.Context, project string) error {
	containers, err := d.list(ctx, project)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range containers {
		id := c.ID
		g.Go(func() error {
			err := d.Client.ContainerRemove(gctx, id, types.ContainerRemoveOptions{RemoveVolumes: true, Force: true})
			if err != nil && !client.IsErrNotFound(err) {
				d.logger.Error("Error removing container", zap.String("project", project), zap.String("id", id), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	err = d.Client.NetworkRemove(ctx, compose.NetworkName(project))
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	d.logger.Info("Project removed", zap.String("project", project), zap.Int("containers", len(containers)))
	return nil
}

func (d *Docker) Containers(ctx context.Context, project string) ([]string, error) {
	containers, err := d.list(ctx, project)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
	}
	return names, nil
}

func (d *Docker) list(ctx context.Context, project string) ([]types.Container, error) {
	return d.Client.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", compose.LabelTask+"="+project)),
	})
}
