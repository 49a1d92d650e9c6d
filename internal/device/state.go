package device

import (
	"encoding/json"
	"fmt"
)

// State is plugin-owned backend state. The dispatcher stores and persists it
// as an opaque document; only the plugin of the same Kind decodes it.
type State struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeState wraps a plugin's concrete state value.
func EncodeState(kind Kind, v any) (State, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return State{}, fmt.Errorf("failed to encode %s backend state: %w", kind, err)
	}
	return State{Kind: kind, Data: data}, nil
}

// Decode unpacks the state into v. It refuses state owned by another plugin.
func (s State) Decode(kind Kind, v any) error {
	if s.Kind != kind {
		return Errorf(KindInvalidState, "backend state belongs to %q, not %q", s.Kind, kind)
	}
	if len(s.Data) == 0 {
		return Errorf(KindInvalidState, "empty %s backend state", kind)
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return Errorf(KindInvalidState, "failed to decode %s backend state: %v", kind, err)
	}
	return nil
}

// IsZero reports whether no state has been recorded.
func (s State) IsZero() bool {
	return s.Kind == "" && len(s.Data) == 0
}
