// Package idem remembers idempotency keys for a bounded time.
package idem

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value V
	at    time.Time
}

// Ledger records keys, optionally with the result they produced, using a TTL cache.
type Ledger[V any] struct {
	mu    sync.Mutex
	cache map[string]entry[V]
	ttl   time.Duration
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

func New[V any](ttl time.Duration) *Ledger[V] {
	l := &Ledger[V]{
		cache: make(map[string]entry[V]),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// SetClock overrides the time source (tests).
func (l *Ledger[V]) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Claim returns true the first time key is seen within the TTL and records it.
// Empty keys are never claimable.
func (l *Ledger[V]) Claim(key string) bool {
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.cache[key]; ok && l.fresh(e) {
		return false
	}
	var zero V
	l.cache[key] = entry[V]{value: zero, at: l.now()}
	return true
}

// Remember stores v as the result for key.
func (l *Ledger[V]) Remember(key string, v V) {
	if key == "" {
		return
	}
	l.mu.Lock()
	l.cache[key] = entry[V]{value: v, at: l.now()}
	l.mu.Unlock()
}

// Lookup returns the result remembered for key.
func (l *Ledger[V]) Lookup(key string) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[key]
	if !ok || !l.fresh(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Close stops the cleanup goroutine.
func (l *Ledger[V]) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Ledger[V]) fresh(e entry[V]) bool {
	return l.now().Sub(e.at) < l.ttl
}

func (l *Ledger[V]) cleanupLoop() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		for k, e := range l.cache {
			if !l.fresh(e) {
				delete(l.cache, k)
			}
		}
		l.mu.Unlock()
	}
}
