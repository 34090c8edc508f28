package registry

import (
	"sort"
	"sync"
)

// accountLocks hands out one mutex per account. An entry lives only while
// someone holds or waits for it, so the map stays as small as the set of
// accounts currently in use.
type accountLocks struct {
	muMap map[string]*accountLock // stores the lock for each account in use
	mapMu sync.Mutex              // protects muMap itself
}

type accountLock struct {
	mu   sync.Mutex
	refs int // holders plus waiters, guarded by accountLocks.mapMu
}

func newAccountLocks() *accountLocks {
	return &accountLocks{muMap: make(map[string]*accountLock)}
}

func (l *accountLocks) acquire(accountId string) *accountLock {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	entry, exists := l.muMap[accountId]
	if !exists {
		entry = &accountLock{}
		l.muMap[accountId] = entry
	}
	entry.refs++
	return entry
}

func (l *accountLocks) release(accountId string, entry *accountLock) {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.muMap, accountId)
	}
}

func (l *accountLocks) size() int {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()
	return len(l.muMap)
}

// lock acquires the locks of all given accounts in sorted order so two
// callers locking overlapping sets can never deadlock. Duplicates are ignored.
func (l *accountLocks) lock(accounts ...string) (unlock func()) {
	ids := make([]string, 0, len(accounts))
	seen := make(map[string]struct{}, len(accounts))
	for _, id := range accounts {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	held := make([]*accountLock, 0, len(ids))
	for _, id := range ids {
		entry := l.acquire(id)
		entry.mu.Lock()
		held = append(held, entry)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(ids[i], held[i])
		}
	}
}
