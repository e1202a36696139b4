package optimistic

import (
	"encoding/json"
	"fmt"
)

// JSONMerge overlays changes onto the JSON object form of original. Keys
// are JSON field names; a nil value clears the field.
func JSONMerge[T any](original T, changes Patch) (T, error) {
	var out T
	raw, err := json.Marshal(original)
	if err != nil {
		return out, fmt.Errorf("marshal original: %w", err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out, fmt.Errorf("entity is not a JSON object: %w", err)
	}
	for k, v := range changes {
		fields[k] = v
	}
	raw, err = json.Marshal(fields)
	if err != nil {
		return out, fmt.Errorf("marshal merged fields: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal merged entity: %w", err)
	}
	return out, nil
}
