package telemetry

import (
	"bytes"
	"encoding/json"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
)

// Message is a decoded telemetry push.
type Message struct {
	Fields    map[string]Value
	DeviceSN  string
	TypeCode  string
	Timestamp time.Time
}

// envelope keys that describe the message rather than the device
var metadataKeys = map[string]struct{}{
	"id":          {},
	"version":     {},
	"timestamp":   {},
	"time":        {},
	"typeCode":    {},
	"cmdId":       {},
	"cmdFunc":     {},
	"sn":          {},
	"moduleType":  {},
	"operateType": {},
	"addr":        {},
	"needAck":     {},
}

// DecodeMessage parses a raw telemetry payload. Device fields are taken
// from "params", then "param", then the remaining top-level keys. Nested
// objects are flattened into dot separated keys.
func DecodeMessage(data []byte) (Message, error) {
	errFactory := errors.New()

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Message{}, errFactory.Wrap(ErrMalformedMessage, errFactory.New(ErrEmptyPayload))
	}

	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return Message{}, errFactory.Wrap(ErrMalformedMessage, err)
	}
	if root == nil {
		return Message{}, errFactory.Wrap(ErrMalformedMessage, errFactory.New(ErrNotAnObject))
	}

	msg := Message{
		Fields:    make(map[string]Value),
		DeviceSN:  stringField(root, "sn"),
		TypeCode:  stringField(root, "typeCode"),
		Timestamp: timestampField(root),
	}

	source, ok := objectField(root, "params")
	if !ok {
		source, ok = objectField(root, "param")
	}
	if ok {
		flatten("", source, msg.Fields)
		return msg, nil
	}

	for k, v := range root {
		if _, meta := metadataKeys[k]; meta {
			continue
		}
		if k == "params" || k == "param" {
			continue
		}
		flattenValue(k, v, msg.Fields)
	}

	return msg, nil
}

// FlattenFields converts a decoded JSON object into cache values using the
// same rules as DecodeMessage.
func FlattenFields(obj map[string]any) map[string]Value {
	out := make(map[string]Value, len(obj))
	flatten("", obj, out)
	return out
}

func flatten(prefix string, obj map[string]any, out map[string]Value) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flattenValue(key, v, out)
	}
}

func flattenValue(key string, v any, out map[string]Value) {
	if nested, ok := v.(map[string]any); ok {
		flatten(key, nested, out)
		return
	}
	if val := FromAny(v); val.IsValid() {
		out[key] = val
	}
}

func objectField(root map[string]any, key string) (map[string]any, bool) {
	obj, ok := root[key].(map[string]any)
	return obj, ok
}

func stringField(root map[string]any, key string) string {
	s, _ := root[key].(string)
	return s
}

// timestampField reads "timestamp" (or "time") as unix milliseconds, or
// unix seconds when the number is too small to be milliseconds.
func timestampField(root map[string]any) time.Time {
	raw, ok := root["timestamp"]
	if !ok {
		raw = root["time"]
	}

	n, ok := raw.(float64)
	if !ok || n <= 0 {
		return time.Time{}
	}
	if n < 1e11 {
		return time.Unix(int64(n), 0)
	}
	return time.UnixMilli(int64(n))
}
