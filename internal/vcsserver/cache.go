package vcsserver

import (
	"sync"
	"time"
)

const (
	stateCacheTTL        = 60 * time.Second
	stateCacheMaxEntries = 512
)

// repoState is what the server remembers about a repository for one client
// context: the ordered commit ids and their positions.
type repoState struct {
	ids   []string
	index map[string]int
}

func newRepoState(ids []string) *repoState {
	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}
	return &repoState{ids: ids, index: idx}
}

type stateKey struct {
	context string
	path    string
}

type stateEntry struct {
	state   *repoState
	expires time.Time
}

// stateCache holds repoState per (context, path). Mutating calls drop every
// entry for the path they touched.
type stateCache struct {
	mu      sync.Mutex
	entries map[stateKey]stateEntry
	now     func() time.Time
}

func newStateCache() *stateCache {
	return &stateCache{entries: make(map[stateKey]stateEntry), now: time.Now}
}

func (c *stateCache) get(context, path string) (*repoState, bool) {
	if context == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[stateKey{context, path}]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.state, true
}

func (c *stateCache) put(context, path string, st *repoState) {
	if context == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= stateCacheMaxEntries {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= stateCacheMaxEntries {
			c.entries = make(map[stateKey]stateEntry)
		}
	}
	c.entries[stateKey{context, path}] = stateEntry{state: st, expires: now.Add(stateCacheTTL)}
}

func (c *stateCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.path == path {
			delete(c.entries, k)
		}
	}
}
