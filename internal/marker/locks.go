package marker

import (
	"slices"
	"sync"
)

// pathLocks hands out one mutex per marker path. A mutex lives only while
// some goroutine holds or waits for it.
type pathLocks struct {
	mu      sync.Mutex
	entries map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	waiters int
}

func newPathLocks() *pathLocks {
	return &pathLocks{entries: make(map[string]*pathLock)}
}

// acquire locks path and returns the function that releases it.
func (p *pathLocks) acquire(path string) (release func()) {
	p.mu.Lock()
	e := p.entries[path]
	if e == nil {
		e = &pathLock{}
		p.entries[path] = e
	}
	e.waiters++
	p.mu.Unlock()

	e.Lock()
	return func() {
		p.mu.Lock()
		if e.waiters--; e.waiters == 0 {
			delete(p.entries, path)
		}
		p.mu.Unlock()
		e.Unlock()
	}
}

// acquireAll locks every distinct path in sorted order, so callers with
// overlapping sets cannot deadlock, and returns a release for all of them.
func (p *pathLocks) acquireAll(paths []string) (release func()) {
	sorted := slices.Compact(slices.Sorted(slices.Values(paths)))
	releases := make([]func(), 0, len(sorted))
	for _, path := range sorted {
		releases = append(releases, p.acquire(path))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

func (p *pathLocks) held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
