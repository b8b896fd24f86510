package sipkit

import "sync"

// Registry is process-wide keyed mapping from stable string keys to live
// handles. Writes are insert-if-absent, readers see-or-miss without blocking.
// Dialogs and media sessions find each other through it instead of holding
// pointers, which avoids reference cycles between layers.
type Registry[T any] struct {
	m sync.Map
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Put stores value under key if absent. Returns stored value and whether
// this call did the insert.
func (r *Registry[T]) Put(key string, value T) (T, bool) {
	actual, loaded := r.m.LoadOrStore(key, value)
	return actual.(T), !loaded
}

// Get returns value under key.
func (r *Registry[T]) Get(key string) (T, bool) {
	var zero T
	v, ok := r.m.Load(key)
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// Delete removes key.
func (r *Registry[T]) Delete(key string) {
	r.m.Delete(key)
}

// Len counts entries. It walks the map, use for diagnostics only.
func (r *Registry[T]) Len() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range iterates entries until f returns false.
func (r *Registry[T]) Range(f func(key string, value T) bool) {
	r.m.Range(func(k, v any) bool {
		return f(k.(string), v.(T))
	})
}
