package relay

import (
	"encoding/json"
	"fmt"
)

// decodeJSONObject decodes a single JSON object line from the relay wire
// protocol (expired payloads, remove-confirmation statistics).
func decodeJSONObject(s string) (map[string]any, error) {
	if s == "" {
		return nil, fmt.Errorf("empty json payload")
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
