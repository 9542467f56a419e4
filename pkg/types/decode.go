package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodePayload parses one JSON telemetry object. Numbers are kept as
// json.Number so integer readings survive unchanged.
func DecodePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var payload Payload
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode telemetry payload: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("telemetry payload is not an object")
	}
	return payload, nil
}

// DecodePayloads parses a JSON array of telemetry objects. An object wrapping
// the array under "items" or "data" is accepted as well.
func DecodePayloads(data []byte) ([]Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode telemetry history: %w", err)
	}

	if obj, ok := raw.(map[string]any); ok {
		switch {
		case obj["items"] != nil:
			raw = obj["items"]
		case obj["data"] != nil:
			raw = obj["data"]
		}
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("telemetry history is not an array")
	}

	out := make([]Payload, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Payload(m))
		}
	}
	return out, nil
}
