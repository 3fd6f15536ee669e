// Package keylock provides named mutual exclusion. Each distinct key owns
// an independent lock, so operations on unrelated entities never contend
// while read-modify-write cycles on the same entity are serialized.
package keylock

import (
	"sort"
	"sync"
)

type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

func (k *KeyLock) acquire(key string) *entry {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()
	e.mu.Lock()
	return e
}

func (k *KeyLock) release(key string, e *entry) {
	e.mu.Unlock()
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Do runs fn while holding the lock for key.
func (k *KeyLock) Do(key string, fn func() error) error {
	e := k.acquire(key)
	defer k.release(key, e)
	return fn()
}

// DoMulti runs fn while holding the locks for all keys. Keys are acquired
// in sorted order so that two callers locking overlapping key sets cannot
// deadlock. Duplicate keys are locked once.
func (k *KeyLock) DoMulti(keys []string, fn func() error) error {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, key)
	}
	sort.Strings(uniq)

	entries := make([]*entry, len(uniq))
	for i, key := range uniq {
		entries[i] = k.acquire(key)
	}
	defer func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			k.release(uniq[i], entries[i])
		}
	}()
	return fn()
}
