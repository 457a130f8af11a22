package compose

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/mattn/go-shellwords"
)

const maxVolumeDepth = 8

var forbiddenKeys = []string{
	"container_name",
	"cgroup_parent",
	"logging",
	"cap_add",
	"build",
	"domainname",
	"hostname",
	"ipc",
	"mac_address",
	"privileged",
	"stdin_open",
	"tty",
}

type SpecError struct {
	Errs []error
}

func (e *SpecError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *SpecError) Unwrap() error {
	return ErrInvalidSpec
}

// Validate rejects anything that can't run safely on a shared host.
func (c *Compose) Validate() error {
	var errs []error
	if len(c.Services) == 0 {
		errs = append(errs, fmt.Errorf("at least one service is required"))
	}
	for _, name := range sortedKeys(c.Services) {
		svc, ok := c.Services[name].(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("service %s must be a mapping", name))
			continue
		}
		errs = append(errs, validateService(name, svc, c.Services)...)
	}
	if len(errs) == 0 {
		if _, err := c.MainService(); err != nil {
			errs = append(errs, err)
		}
		if _, err := c.startOrder(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &SpecError{Errs: errs}
	}
	return nil
}

func validateService(name string, svc map[string]any, all map[string]any) []error {
	var errs []error
	for _, key := range forbiddenKeys {
		if _, ok := svc[key]; ok {
			errs = append(errs, fmt.Errorf("service %s: %s is not allowed", name, key))
		}
	}
	if image, _ := svc["image"].(string); image == "" {
		errs = append(errs, fmt.Errorf("service %s: image is required", name))
	}
	for _, key := range []string{"command", "entrypoint"} {
		if _, err := commandOf(svc[key], nil); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %s: %w", name, key, err))
		}
	}
	volumes, err := stringList(svc["volumes"])
	if err != nil {
		errs = append(errs, fmt.Errorf("service %s: volumes: %w", name, err))
	}
	for _, v := range volumes {
		if _, err := ParseVolume(v); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", name, err))
		}
	}
	ports, err := stringList(svc["ports"])
	if err != nil {
		errs = append(errs, fmt.Errorf("service %s: ports: %w", name, err))
	}
	if _, _, err := nat.ParsePortSpecs(ports); err != nil {
		errs = append(errs, fmt.Errorf("service %s: ports: %w", name, err))
	}
	deps, err := dependsOn(svc["depends_on"])
	if err != nil {
		errs = append(errs, fmt.Errorf("service %s: depends_on: %w", name, err))
	}
	for _, dep := range deps {
		if _, ok := all[dep]; !ok {
			errs = append(errs, fmt.Errorf("service %s depends on unknown service %s", name, dep))
		}
	}
	if _, err := environmentOf(svc["environment"]); err != nil {
		errs = append(errs, fmt.Errorf("service %s: environment: %w", name, err))
	}
	return errs
}

type Volume struct {
	Host     string
	Target   string
	ReadOnly bool
}

// ParseVolume reads the short "./relative:/absolute[:ro|rw]" syntax.
// Host paths are relative to the task's volumes directory.
func ParseVolume(spec string) (Volume, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Volume{}, fmt.Errorf("volume %q: expected ./source:/target[:mode]", spec)
	}
	v := Volume{Host: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			v.ReadOnly = true
		case "rw":
		default:
			return Volume{}, fmt.Errorf("volume %q: unknown mode %q", spec, parts[2])
		}
	}
	if !strings.HasPrefix(v.Host, "./") {
		return Volume{}, fmt.Errorf("volume %q: source must start with ./", spec)
	}
	for _, segment := range strings.Split(v.Host, "/") {
		if segment == ".." {
			return Volume{}, fmt.Errorf("volume %q: source can't go up", spec)
		}
	}
	v.Host = path.Clean(v.Host)
	if v.Host == "." {
		return Volume{}, fmt.Errorf("volume %q: source must name a directory", spec)
	}
	if depth := len(strings.Split(v.Host, "/")); depth > maxVolumeDepth {
		return Volume{}, fmt.Errorf("volume %q: source is %d levels deep, max is %d", spec, depth, maxVolumeDepth)
	}
	if !path.IsAbs(v.Target) {
		return Volume{}, fmt.Errorf("volume %q: target must be absolute", spec)
	}
	if v.Target == CacheMountPoint {
		return Volume{}, fmt.Errorf("volume %q: %s is reserved", spec, CacheMountPoint)
	}
	return v, nil
}

// startOrder sorts the services so dependencies start first.
func (c *Compose) startOrder() ([]string, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(c.Services))
	order := make([]string, 0, len(c.Services))
	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle through %s", ErrInvalidSpec, name)
		case visited:
			return nil
		}
		marks[name] = visiting
		svc, _ := c.Services[name].(map[string]any)
		deps, err := dependsOn(svc["depends_on"])
		if err != nil {
			return err
		}
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[name] = visited
		order = append(order, name)
		return nil
	}
	for _, name := range sortedKeys(c.Services) {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func commandOf(v any, expand func(string) string) ([]string, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case string:
		if expand != nil {
			value = expand(value)
		}
		return shellwords.Parse(value)
	case []any:
		cmd := make([]string, 0, len(value))
		for _, item := range value {
			s := fmt.Sprint(item)
			if expand != nil {
				s = expand(s)
			}
			cmd = append(cmd, s)
		}
		return cmd, nil
	}
	return nil, fmt.Errorf("must be a string or a list")
}

func stringList(v any) ([]string, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			switch item.(type) {
			case string, int, float64:
				out = append(out, fmt.Sprint(item))
			default:
				return nil, fmt.Errorf("only the short syntax is supported")
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("must be a list")
}

func dependsOn(v any) ([]string, error) {
	if m, ok := v.(map[string]any); ok {
		return sortedKeys(m), nil
	}
	return stringList(v)
}

func environmentOf(v any) (map[string]string, error) {
	env := make(map[string]string)
	switch value := v.(type) {
	case nil:
	case map[string]any:
		for k, item := range value {
			if item == nil {
				env[k] = ""
				continue
			}
			env[k] = fmt.Sprint(item)
		}
	case []any:
		for _, item := range value {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list entries must be KEY=value strings")
			}
			k, val, _ := strings.Cut(s, "=")
			env[k] = val
		}
	default:
		return nil, fmt.Errorf("must be a mapping or a list")
	}
	return env, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
