package ledger

import (
	"slices"
	"sync"
)

// KeyLocker hands out mutexes per key
// Entries live only while someone holds or waits for them, so memory is bounded by the number of in-flight keys
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires all keys in sorted order and returns function releasing them
// Keys may repeat; every key is locked once
func (l *KeyLocker) Lock(keys ...string) (unlock func()) {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	acquired := make([]*keyLock, 0, len(keys))
	for _, key := range keys {
		kl := l.acquire(key)
		kl.mu.Lock()
		acquired = append(acquired, kl)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(keys) - 1; i >= 0; i-- {
				acquired[i].mu.Unlock()
				l.release(keys[i])
			}
		})
	}
}

func (l *KeyLocker) acquire(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl := l.locks[key]
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns number of keys currently held or awaited
func (l *KeyLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
