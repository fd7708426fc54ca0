package scheduler

import (
	"sort"
	"sync"
)

// ResourceLocks serializes task bodies that declare the same resource key,
// while bodies with disjoint keys run in parallel. Entries are reference
// counted and dropped once nobody holds or waits on them.
type ResourceLocks struct {
	mu    sync.Mutex
	locks map[string]*resourceLock
}

type resourceLock struct {
	mu   sync.Mutex
	refs int
}

// NewResourceLocks creates an empty lock table.
func NewResourceLocks() *ResourceLocks {
	return &ResourceLocks{locks: make(map[string]*resourceLock)}
}

// Acquire locks every key and returns the function that releases them.
// Keys are deduplicated and taken in sorted order, so two tasks with
// overlapping key sets cannot deadlock each other.
func (r *ResourceLocks) Acquire(keys []string) (release func()) {
	if len(keys) == 0 {
		return func() {}
	}

	sorted := dedupeSorted(keys)
	held := make([]*resourceLock, 0, len(sorted))
	for _, key := range sorted {
		l := r.ref(key)
		l.mu.Lock()
		held = append(held, l)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				r.unref(sorted[i])
			}
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (r *ResourceLocks) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *ResourceLocks) ref(key string) *resourceLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &resourceLock{}
		r.locks[key] = l
	}
	l.refs++
	return l
}

func (r *ResourceLocks) unref(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
}

func dedupeSorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
