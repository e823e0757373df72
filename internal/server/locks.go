package server

import (
	"sync"

	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
)

// identityLocks hands out one mutex per identity. Entries are dropped once no
// goroutine holds or waits on them.
type identityLocks struct {
	mu      sync.Mutex
	entries map[presence.Identity]*identityLock
}

type identityLock struct {
	mu      sync.Mutex
	holders int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{entries: make(map[presence.Identity]*identityLock)}
}

// lock blocks until the identity's mutex is held and returns its release.
func (l *identityLocks) lock(identity presence.Identity) func() {
	l.mu.Lock()
	entry, ok := l.entries[identity]
	if !ok {
		entry = &identityLock{}
		l.entries[identity] = entry
	}
	entry.holders++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(l.entries, identity)
		}
		l.mu.Unlock()
	}
}

func (l *identityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
