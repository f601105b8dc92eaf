package smarterdoc

import (
	"context"
	"hash/fnv"
	"sync"
)

// Locker serialises read-modify-write sequences on a key. The returned release
// function must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// StripedLocks is a process-local Locker. Keys hash onto a fixed set of
// mutexes, so two keys may share a stripe; a holder must never acquire a second
// key while holding the first.
type StripedLocks struct {
	stripes []sync.Mutex
	count   uint32
}

// NewStripedLocks creates stripeCount stripes (DefaultLockStripes when <= 0).
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = DefaultLockStripes
	}
	return &StripedLocks{
		stripes: make([]sync.Mutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock blocks until key's stripe is free and returns its unlock function.
//
//	unlock := locks.Lock(key)
//	defer unlock()
func (sl *StripedLocks) Lock(key string) func() {
	m := &sl.stripes[sl.stripe(key)]
	m.Lock()
	return m.Unlock
}

// Acquire implements Locker. It fails only when ctx is already done.
func (sl *StripedLocks) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sl.Lock(key), nil
}

func (sl *StripedLocks) stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
