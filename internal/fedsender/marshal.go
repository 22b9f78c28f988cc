package fedsender

import "encoding/json"

// marshalOrEmpty marshals v to JSON, falling back to an empty JSON object
// on error rather than propagating a marshal failure into a best-effort
// EDU payload.
func marshalOrEmpty(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(data)
}
