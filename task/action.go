package task

import (
	"encoding/json"
	"fmt"

	"density/compose"
)

// Action wraps the workload. Only the compose runner is registered.
type Action struct {
	Compose *compose.Compose
}

func (a Action) MarshalJSON() ([]byte, error) {
	if a.Compose == nil {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]*compose.Compose{Runner: a.Compose})
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if k != Runner {
			return fmt.Errorf("%w: unregistered action %q", ErrInvalidSpec, k)
		}
		c := compose.NewCompose()
		if err := json.Unmarshal(v, c); err != nil {
			return err
		}
		a.Compose = c
	}
	return nil
}
