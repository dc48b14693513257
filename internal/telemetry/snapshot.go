package telemetry

import (
	"encoding/json"
	"sort"
	"time"
)

// Snapshot is an immutable view of the cache. The zero Snapshot is empty.
type Snapshot struct {
	fields  map[string]Field
	takenAt time.Time
}

// SnapshotOf builds a Snapshot from plain values, stamped now. Mostly
// useful for feeding the detector outside a Cache.
func SnapshotOf(values map[string]Value) Snapshot {
	now := time.Now()
	fields := make(map[string]Field, len(values))
	for k, v := range values {
		if v.IsValid() {
			fields[k] = Field{Value: v, UpdatedAt: now}
		}
	}
	return Snapshot{fields: fields, takenAt: now}
}

func (s Snapshot) Get(key string) (Value, bool) {
	f, ok := s.fields[key]
	return f.Value, ok
}

func (s Snapshot) Field(key string) (Field, bool) {
	f, ok := s.fields[key]
	return f, ok
}

// Float returns the numeric reading of key, if present and numeric.
func (s Snapshot) Float(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return v.Float()
}

func (s Snapshot) Len() int { return len(s.fields) }
func (s Snapshot) TakenAt() time.Time { return s.takenAt }

// Keys returns the field keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.fields))
	for k := range s.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns a fresh map of the field values.
func (s Snapshot) Values() map[string]Value {
	out := make(map[string]Value, len(s.fields))
	for k, f := range s.fields {
		out[k] = f.Value
	}
	return out
}

// Excerpt copies the values of the named keys that are present.
func (s Snapshot) Excerpt(keys ...string) map[string]Value {
	out := make(map[string]Value, len(keys))
	for _, k := range keys {
		if f, ok := s.fields[k]; ok {
			out[k] = f.Value
		}
	}
	return out
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}
