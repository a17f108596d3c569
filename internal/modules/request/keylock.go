// README: Per-request serialization point; different ids never contend.
package request

import (
	"sync"

	"emsdispatch/internal/types"
)

type keyLocks struct {
	mu    sync.Mutex
	locks map[types.ID]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[types.ID]*keyLock)}
}

// Lock blocks until id is free and returns the matching unlock func.
func (k *keyLocks) Lock(id types.ID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
