package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Field is a cached value together with the time it was last written.
type Field struct {
	Value     Value     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cache holds the union of every telemetry field received so far, each at
// its most recent value. It is safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	fields map[string]Field
	now    func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		fields: make(map[string]Field),
		now:    time.Now,
	}
}

// Apply merges partial into the cache and returns the sorted keys whose
// value changed. Keys absent from partial keep their previous value;
// invalid values are ignored.
func (c *Cache) Apply(partial map[string]Value) []string {
	return c.apply(partial, time.Time{})
}

// ApplyAt is Apply for a message stamped at. A field whose stored write
// time is newer than at is left untouched. A zero at disables the check.
func (c *Cache) ApplyAt(partial map[string]Value, at time.Time) []string {
	return c.apply(partial, at)
}

func (c *Cache) apply(partial map[string]Value, at time.Time) []string {
	if len(partial) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stamp := at
	if stamp.IsZero() {
		stamp = c.now()
	}

	var changed []string
	for key, v := range partial {
		if !v.IsValid() {
			continue
		}

		prev, seen := c.fields[key]
		if seen && !at.IsZero() && prev.UpdatedAt.After(at) {
			continue
		}

		c.fields[key] = Field{Value: v, UpdatedAt: stamp}
		if !seen || !prev.Value.Equal(v) {
			changed = append(changed, key)
		}
	}

	sort.Strings(changed)
	return changed
}

func (c *Cache) Get(key string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.fields[key]
	return f.Value, ok
}

func (c *Cache) Field(key string) (Field, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.fields[key]
	return f, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.fields)
}

// Snapshot returns a point-in-time copy of the whole cache.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fields := make(map[string]Field, len(c.fields))
	for k, f := range c.fields {
		fields[k] = f
	}
	return Snapshot{fields: fields, takenAt: c.now()}
}

// Reset drops every cached field.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = make(map[string]Field)
}
