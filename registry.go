package clientserver

import "sync"

// registry is a copy-on-write observer set. Readers get an immutable
// snapshot, so callbacks may add or remove observers while being iterated.
type registry[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *registry[T]) add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]T, len(r.items), len(r.items)+1)
	copy(items, r.items)
	r.items = append(items, item)
}

// remove drops the first observer identical to item.
func (r *registry[T]) remove(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, it := range r.items {
		if !sameObserver(it, item) {
			continue
		}
		items := make([]T, 0, len(r.items)-1)
		items = append(items, r.items[:i]...)
		r.items = append(items, r.items[i+1:]...)
		return
	}
}

func (r *registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
