package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// InFlight enforces at most one executing trade per (buy venue, sell venue,
// pair). With a LockManager the guard also holds across processes sharing
// the same venues. It is safe for concurrent use.
type InFlight struct {
	mu     sync.Mutex
	active map[domain.ComboKey]struct{}
	locks  domain.LockManager
	ttl    time.Duration
}

// NewInFlight creates a guard. locks may be nil; ttl bounds how long a
// distributed lock survives a crashed holder.
func NewInFlight(locks domain.LockManager, ttl time.Duration) *InFlight {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &InFlight{
		active: make(map[domain.ComboKey]struct{}),
		locks:  locks,
		ttl:    ttl,
	}
}

// Acquire claims key. It returns domain.ErrInFlight when the combination is
// already executing. The returned release func is safe to call twice.
func (f *InFlight) Acquire(ctx context.Context, key domain.ComboKey) (func(), error) {
	f.mu.Lock()
	if _, ok := f.active[key]; ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("executor: %s: %w", key, domain.ErrInFlight)
	}
	f.active[key] = struct{}{}
	f.mu.Unlock()

	unlock := func() {}
	if f.locks != nil {
		u, err := f.locks.Acquire(ctx, "combo:"+key.String(), f.ttl)
		if err != nil {
			f.drop(key)
			if errors.Is(err, domain.ErrLockHeld) {
				return nil, fmt.Errorf("executor: %s held elsewhere: %w", key, domain.ErrInFlight)
			}
			// Fail closed: without the lock the guard cannot be honoured.
			return nil, fmt.Errorf("executor: lock %s: %w", key, err)
		}
		unlock = u
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			f.drop(key)
		})
	}, nil
}

func (f *InFlight) drop(key domain.ComboKey) {
	f.mu.Lock()
	delete(f.active, key)
	f.mu.Unlock()
}

// Active reports whether key is currently executing in this process.
func (f *InFlight) Active(key domain.ComboKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[key]
	return ok
}

// Len is the number of combinations executing in this process.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}
