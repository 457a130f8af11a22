package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"
)

const (
	LabelTask    = "density.task"
	LabelService = "density.service"
)

// Project is a compose document resolved for one run of one task.
type Project struct {
	Name     string
	WorkDir  string
	Main     string
	CPU      int
	RAM      int
	Services []Service
}

type Service struct {
	Name         string
	Image        string
	Command      []string
	Entrypoint   []string
	Environment  []string
	WorkingDir   string
	User         string
	Binds        []string
	ExposedPorts nat.PortSet
	PortBindings nat.PortMap
	Labels       map[string]string
}

func ContainerName(project, service string) string {
	return fmt.Sprintf("%s_%s_1", project, service)
}

func NetworkName(project string) string {
	return "density_" + project
}

func (p *Project) VolumesDir() string {
	return filepath.Join(p.WorkDir, "volumes")
}

func (p *Project) CacheDir() string {
	return filepath.Join(p.WorkDir, "cache")
}

// Project resolves the document against a task work directory.
// Variables are expanded from env, the way compose reads its .env file.
func (c *Compose) Project(name, workDir string, env map[string]string) (*Project, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	main, err := c.MainService()
	if err != nil {
		return nil, err
	}
	order, err := c.startOrder()
	if err != nil {
		return nil, err
	}
	expand := func(s string) string {
		return os.Expand(s, func(key string) string {
			if key == "$" {
				return "$"
			}
			return env[key]
		})
	}
	p := &Project{
		Name:    name,
		WorkDir: workDir,
		Main:    main,
	}
	for _, svcName := range order {
		raw := c.Services[svcName].(map[string]any)
		svc, err := p.service(svcName, raw, env, expand)
		if err != nil {
			return nil, fmt.Errorf("%w: service %s: %v", ErrInvalidSpec, svcName, err)
		}
		p.Services = append(p.Services, svc)
	}
	return p, nil
}

func (p *Project) service(name string, raw map[string]any, env map[string]string, expand func(string) string) (Service, error) {
	svc := Service{
		Name: name,
		Labels: map[string]string{
			LabelTask:                    p.Name,
			LabelService:                 name,
			"com.docker.compose.project": p.Name,
			"com.docker.compose.service": name,
		},
	}
	svc.Image, _ = raw["image"].(string)
	svc.WorkingDir, _ = raw["working_dir"].(string)
	svc.User, _ = raw["user"].(string)

	var err error
	if svc.Command, err = commandOf(raw["command"], expand); err != nil {
		return svc, err
	}
	if svc.Entrypoint, err = commandOf(raw["entrypoint"], expand); err != nil {
		return svc, err
	}

	merged := make(map[string]string, len(env))
	for k, v := range env {
		merged[k] = v
	}
	own, err := environmentOf(raw["environment"])
	if err != nil {
		return svc, err
	}
	for k, v := range own {
		merged[k] = expand(v)
	}
	svc.Environment = make([]string, 0, len(merged))
	for k, v := range merged {
		svc.Environment = append(svc.Environment, k+"="+v)
	}
	sort.Strings(svc.Environment)

	volumes, err := stringList(raw["volumes"])
	if err != nil {
		return svc, err
	}
	for _, spec := range volumes {
		v, err := ParseVolume(spec)
		if err != nil {
			return svc, err
		}
		bind := filepath.Join(p.VolumesDir(), filepath.FromSlash(v.Host)) + ":" + v.Target
		if v.ReadOnly {
			bind += ":ro"
		}
		svc.Binds = append(svc.Binds, bind)
	}
	svc.Binds = append(svc.Binds, p.CacheDir()+":"+CacheMountPoint)

	ports, err := stringList(raw["ports"])
	if err != nil {
		return svc, err
	}
	svc.ExposedPorts, svc.PortBindings, err = nat.ParsePortSpecs(ports)
	if err != nil {
		return svc, err
	}

	if labels, ok := raw["labels"].(map[string]any); ok {
		for k, v := range labels {
			if _, reserved := svc.Labels[k]; !reserved {
				svc.Labels[k] = fmt.Sprint(v)
			}
		}
	}
	return svc, nil
}

// HostDirs lists the directories that must exist before the project starts.
func (p *Project) HostDirs() []string {
	dirs := []string{p.VolumesDir(), p.CacheDir()}
	seen := map[string]bool{p.VolumesDir(): true, p.CacheDir(): true}
	for _, svc := range p.Services {
		for _, bind := range svc.Binds {
			host, _, _ := strings.Cut(bind, ":")
			if !seen[host] {
				seen[host] = true
				dirs = append(dirs, host)
			}
		}
	}
	return dirs
}
