package registry

import "encoding/json"

// parseSessionCallIDs extracts the call-id of every session in a relay's
// "sessions" reply, a JSON array of objects each carrying a "call_id" field.
func parseSessionCallIDs(body string) ([]string, error) {
	var entries []map[string]any
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		return nil, err
	}
	callIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		if id, ok := e["call_id"].(string); ok {
			callIDs = append(callIDs, id)
		}
	}
	return callIDs, nil
}
