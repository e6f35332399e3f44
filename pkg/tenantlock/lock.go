package tenantlock

import (
	"context"
	"sync"
	"time"

	"github.com/adamengleby/grc-ai-platform/internal/metrics"
	"github.com/rs/zerolog/log"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex hands out one mutual-exclusion slot per key. Entries are
// created on demand and reaped once no caller holds or awaits them, so
// the registry never grows with the tenant population.
//
// Admission order under contention follows channel semantics: waiters are
// admitted one at a time but not in strict arrival order.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewKeyedMutex creates an empty lock registry.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// WithExclusive runs fn while holding the key's slot. The slot is released
// when fn returns, success or failure. Acquisition aborts if ctx ends
// first, without running fn.
func (k *KeyedMutex) WithExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	// A free slot and a done context race in the select below, so check
	// the context first.
	if err := ctx.Err(); err != nil {
		return err
	}

	e := k.retain(key)
	defer k.release(key)

	start := time.Now()
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.RecordTenantLockWait(key, time.Since(start))

	defer func() { <-e.sem }()

	log.Debug().Str("key", key).Dur("waited", time.Since(start)).Msg("Tenant lock acquired")
	return fn(ctx)
}

// Held reports whether the key's slot is currently taken.
func (k *KeyedMutex) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	return ok && len(e.sem) > 0
}

// Keys returns how many keys currently have holders or waiters.
func (k *KeyedMutex) Keys() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyedMutex) retain(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}
