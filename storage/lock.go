package storage

import (
	"sync"
	"sync/atomic"
)

// KeyedMutex hands out one mutex per key. Entries are created on first use
// and never removed.
type KeyedMutex struct {
	locks sync.Map
	size  atomic.Int64
}

// Lock locks the mutex of key and returns its unlock function
func (k *KeyedMutex) Lock(key string) func() {
	v, ok := k.locks.Load(key)
	if !ok {
		var loaded bool
		v, loaded = k.locks.LoadOrStore(key, &sync.Mutex{})
		if !loaded {
			k.size.Add(1)
		}
	}
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Len returns the number of keys seen so far
func (k *KeyedMutex) Len() int {
	return int(k.size.Load())
}
