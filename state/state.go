package state

import "sync"

// PathTracker remembers every destination path handed out during a run so a
// suffix collision within the run is caught before the file system is even
// consulted. It only grows; entries are never released.
type PathTracker struct {
	mu       sync.Mutex
	reserved map[string]struct{}
}

func NewPathTracker() *PathTracker {
	return &PathTracker{reserved: make(map[string]struct{})}
}

// Reserve marks path as taken. It returns false if the path was already
// reserved during this run.
func (t *PathTracker) Reserve(path string) bool {
	if path == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.reserved[path]; ok {
		return false
	}
	t.reserved[path] = struct{}{}
	return true
}

// Len returns the number of reserved paths.
func (t *PathTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reserved)
}
