package compose

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// CacheMountPoint is where the per-task cache is mounted in every service.
	CacheMountPoint = "/cache"
	BatchKey        = "x-batch"
)

var ErrInvalidSpec = errors.New("invalid compose file")

// Compose is the subset of a docker-compose document density runs.
// Services are kept as decoded so that the document is echoed untouched.
type Compose struct {
	Version    string
	Services   map[string]any
	Extensions map[string]any
}

func NewCompose() *Compose {
	return &Compose{
		Services:   make(map[string]any),
		Extensions: make(map[string]any),
	}
}

// Parse reads a YAML (or JSON, which is YAML) compose file.
func Parse(content []byte) (*Compose, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	c := NewCompose()
	if err := c.fromMap(raw); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Compose) fromMap(raw map[string]any) error {
	for k, v := range raw {
		switch {
		case k == "version":
			switch version := v.(type) {
			case string:
				c.Version = version
			case nil:
			default:
				c.Version = fmt.Sprint(version)
			}
		case k == "services":
			services, ok := normalize(v).(map[string]any)
			if !ok {
				return fmt.Errorf("%w: services must be a mapping", ErrInvalidSpec)
			}
			c.Services = services
		case strings.HasPrefix(k, "x-"):
			c.Extensions[k] = normalize(v)
		default:
			return fmt.Errorf("%w: unsupported top level key %q", ErrInvalidSpec, k)
		}
	}
	return nil
}

func (c *Compose) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extensions)+2)
	for k, v := range c.Extensions {
		m[k] = v
	}
	if c.Version != "" {
		m["version"] = c.Version
	}
	m["services"] = c.Services
	return json.Marshal(m)
}

func (c *Compose) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if c.Services == nil {
		c.Services = make(map[string]any)
	}
	if c.Extensions == nil {
		c.Extensions = make(map[string]any)
	}
	return c.fromMap(raw)
}

func (c *Compose) Clone() *Compose {
	return &Compose{
		Version:    c.Version,
		Services:   deepCopy(c.Services).(map[string]any),
		Extensions: deepCopy(c.Extensions).(map[string]any),
	}
}

// Batch is the x-batch extension: how and when the project is run.
type Batch struct {
	MaxExecutionTime time.Duration
	Every            time.Duration
	Cron             string
	Retry            int
	Main             string
}

// LiftBatch removes the scheduling keys of x-batch from the document and
// returns them. Only "main" stays, since it describes the project itself.
func (c *Compose) LiftBatch() (*Batch, error) {
	b := &Batch{}
	raw, ok := c.Extensions[BatchKey]
	if !ok || raw == nil {
		delete(c.Extensions, BatchKey)
		return b, nil
	}
	x, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a mapping", ErrInvalidSpec, BatchKey)
	}
	var err error
	for k, v := range x {
		switch k {
		case "max_execution_time":
			b.MaxExecutionTime, err = parseDuration(k, v)
		case "every":
			b.Every, err = parseDuration(k, v)
		case "cron":
			b.Cron, err = asString(k, v)
		case "retry":
			n, isInt := v.(int)
			if !isInt {
				if f, isFloat := v.(float64); isFloat {
					n, isInt = int(f), true
				}
			}
			if !isInt {
				err = fmt.Errorf("%w: retry must be an integer", ErrInvalidSpec)
			}
			b.Retry = n
		case "main":
			if b.Main, err = asString(k, v); err != nil {
				return nil, err
			}
			continue
		default:
			err = fmt.Errorf("%w: unknown %s key %q", ErrInvalidSpec, BatchKey, k)
		}
		if err != nil {
			return nil, err
		}
		delete(x, k)
	}
	if len(x) == 0 {
		delete(c.Extensions, BatchKey)
	}
	return b, nil
}

// MainService names the service whose exit ends the run.
func (c *Compose) MainService() (string, error) {
	if x, ok := c.Extensions[BatchKey].(map[string]any); ok {
		if main, ok := x["main"].(string); ok && main != "" {
			if _, exists := c.Services[main]; !exists {
				return "", fmt.Errorf("%w: main service %q is not defined", ErrInvalidSpec, main)
			}
			return main, nil
		}
	}
	if len(c.Services) == 1 {
		for name := range c.Services {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %d services and no %s.main", ErrInvalidSpec, len(c.Services), BatchKey)
}

func parseDuration(key string, v any) (time.Duration, error) {
	switch value := v.(type) {
	case string:
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidSpec, key, err)
		}
		return d, nil
	case int:
		return time.Duration(value), nil
	case float64:
		return time.Duration(value), nil
	}
	return 0, fmt.Errorf("%w: %s must be a duration", ErrInvalidSpec, key)
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidSpec, key)
	}
	return s, nil
}

// normalize turns the map[any]any yaml may produce into map[string]any.
func normalize(v any) any {
	switch value := v.(type) {
	case map[string]any:
		for k, item := range value {
			value[k] = normalize(item)
		}
		return value
	case map[any]any:
		m := make(map[string]any, len(value))
		for k, item := range value {
			m[fmt.Sprint(k)] = normalize(item)
		}
		return m
	case []any:
		for i, item := range value {
			value[i] = normalize(item)
		}
		return value
	}
	return v
}

func deepCopy(v any) any {
	switch value := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(value))
		for k, item := range value {
			m[k] = deepCopy(item)
		}
		return m
	case []any:
		s := make([]any, len(value))
		for i, item := range value {
			s[i] = deepCopy(item)
		}
		return s
	}
	return v
}
