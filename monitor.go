package xlock

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"golang.org/x/sync/errgroup"
)

// KeyRequest names one key a Monitor.Lock call wants, with the access type
// and an optional per-request context overriding the call's.
//
// The zero Type is TypeWrite, so a bare KeyRequest{Key: k} asks for
// exclusive access.
type KeyRequest struct {
	Key  string
	Type LockType
	Ctx  context.Context
}

// ReadKey builds a shared-access request for key.
func ReadKey(key string) KeyRequest {
	return KeyRequest{Key: key, Type: TypeRead}
}

// WriteKey builds an exclusive-access request for key.
func WriteKey(key string) KeyRequest {
	return KeyRequest{Key: key, Type: TypeWrite}
}

// LockInfo describes one key of a monitor's ledger, as reported by Locks.
type LockInfo struct {
	Type LockType
	// Acquired is false while the monitor is still blocked acquiring the
	// key.
	Acquired bool
}

// Monitor is a transactional, re-entrant view over a shared LockBox of
// reader-writer locks.
//
// Within one monitor, locking a key it already holds with the same type is
// a silent no-op; with the other type it fails with ErrTypeMismatch. Across
// monitors the usual locking rules apply. A monitor is a short-lived scope:
// its holder is expected to call UnlockAll when done.
//
// When every monitor over a box shares a PendingTable, Monitor.Lock runs a
// deadlock detector before each blocking acquisition and fails the acquire
// that would close a hold-and-wait cycle with ErrDeadlock. The monitor
// keeps its holdings in that case - there is no automatic unwinding - so
// the caller must unlock and retry or give up.
type Monitor struct {
	box     *LockBox
	newLock func() Lockable
	pending *PendingTable

	mu    sync.Mutex
	locks map[string]*monitorLock
	order []string
}

type monitorLock struct {
	typ      LockType
	acquired bool
	release  ReleaseFunc
}

// NewMonitor creates a monitor over box, constructing per-key locks with
// newLock (typically an RWLockWriter or RWLockReader constructor). A nil
// pending table disables deadlock detection.
func NewMonitor(box *LockBox, newLock func() Lockable, pending *PendingTable) *Monitor {
	return &Monitor{
		box:     box,
		newLock: newLock,
		pending: pending,
		locks:   make(map[string]*monitorLock),
	}
}

// Lock acquires the requested keys in natural key order, skipping keys this
// monitor already holds with a matching type. The returned release hands
// back exactly the keys this call acquired, in reverse order; re-entrant
// no-ops stay held.
func (m *Monitor) Lock(ctx context.Context, reqs ...KeyRequest) (ReleaseFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	toAcquire, err := m.filter(reqs)
	if err != nil {
		return nil, err
	}

	boxReqs := make([]Request, 0, len(toAcquire))
	for _, req := range toAcquire {
		boxReqs = append(boxReqs, Request{
			Key:  req.Key,
			New:  m.newLock,
			Opts: []LockOption{WithType(req.Type)},
		})
	}
	byKey := make(map[string]KeyRequest, len(toAcquire))
	for _, req := range toAcquire {
		byKey[req.Key] = req
	}

	type acquisition struct {
		key string
		e   *monitorLock
	}
	var acquired []acquisition
	unwind := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			m.releaseOwn(acquired[i].key, acquired[i].e)
		}
	}
	fail := func(err error) (ReleaseFunc, error) {
		unwind()
		return nil, err
	}

	for _, ka := range m.box.LockMulti(boxReqs...) {
		req := byKey[ka.Key]
		actx := ctx
		if req.Ctx != nil {
			actx = req.Ctx
		}
		if m.pending != nil && m.deadlocked(ka.Key, req.Type) {
			return fail(fmt.Errorf("%w: %s of key %q", ErrDeadlock, req.Type, ka.Key))
		}
		e := &monitorLock{typ: req.Type}
		m.mu.Lock()
		m.locks[ka.Key] = e
		m.order = append(m.order, ka.Key)
		m.mu.Unlock()
		if m.pending != nil {
			m.pending.add(ka.Key, req.Type)
		}
		release, err := ka.Acquire(actx)
		if m.pending != nil {
			m.pending.remove(ka.Key, req.Type)
		}
		if err != nil {
			m.drop(ka.Key)
			return fail(err)
		}
		m.mu.Lock()
		e.acquired = true
		e.release = release
		m.mu.Unlock()
		acquired = append(acquired, acquisition{key: ka.Key, e: e})
	}

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		unwind()
	}, nil
}

// Unlock releases the given keys in call order. Keys the monitor does not
// hold are silently skipped.
func (m *Monitor) Unlock(keys ...string) {
	for _, key := range keys {
		m.releaseKey(key)
	}
}

// UnlockAll releases every key the monitor holds, in reverse acquisition
// order.
func (m *Monitor) UnlockAll() {
	m.mu.Lock()
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	m.mu.Unlock()
	for i := len(keys) - 1; i >= 0; i-- {
		m.releaseKey(keys[i])
	}
}

// IsLocked reports whether this monitor holds or is acquiring key, with a
// matching type if one is given. The empty key asks whether the monitor
// holds anything. It never inspects other monitors.
func (m *Monitor) IsLocked(key string, opts ...LockOption) bool {
	o := makeOptions(opts)
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		for _, e := range m.locks {
			if !o.typSet || e.typ == o.typ {
				return true
			}
		}
		return false
	}
	e := m.locks[key]
	if e == nil {
		return false
	}
	return !o.typSet || e.typ == o.typ
}

// WaitForUnlock blocks until the box entry under key, which must be part of
// this monitor's ledger, is observably unlocked; for the empty key it waits
// on every key of the ledger. Keys this monitor does not reference resolve
// immediately.
func (m *Monitor) WaitForUnlock(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	keys := make([]string, 0, len(m.order))
	if key == "" {
		keys = append(keys, m.order...)
	} else if _, ok := m.locks[key]; ok {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	g, ctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		g.Go(func() error {
			return m.box.WaitForUnlock(ctx, k)
		})
	}
	return g.Wait()
}

// Count returns the number of keys in this monitor's ledger.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Locks returns a snapshot of the monitor's ledger.
func (m *Monitor) Locks() map[string]LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	locks := make(map[string]LockInfo, len(m.locks))
	for key, e := range m.locks {
		locks[key] = LockInfo{
			Type:     e.typ,
			Acquired: e.acquired,
		}
	}
	return locks
}

// filter deduplicates reqs (first request for a key wins) and drops keys
// this monitor already holds, failing on a held key requested with the
// other type.
func (m *Monitor) filter(reqs []KeyRequest) ([]KeyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(reqs))
	toAcquire := make([]KeyRequest, 0, len(reqs))
	for _, req := range reqs {
		if _, ok := seen[req.Key]; ok {
			continue
		}
		seen[req.Key] = struct{}{}
		if e := m.locks[req.Key]; e != nil {
			if e.typ != req.Type {
				return nil, fmt.Errorf(
					"%w: key %q is held for %s, requested %s",
					ErrTypeMismatch, req.Key, e.typ, req.Type,
				)
			}
			// Re-entrant no-op: the key stays kept, not re-acquired.
			continue
		}
		toAcquire = append(toAcquire, req)
	}
	return toAcquire, nil
}

// deadlocked reports whether blocking on (key, typ) now would close a
// hold-and-wait cycle: some monitor is pending on a key this monitor
// already holds, with writer involvement on either side.
func (m *Monitor) deadlocked(key string, typ LockType) bool {
	// No blocking conflict on the entry itself means no cycle to close.
	if typ == TypeRead && !m.box.IsLocked(key, WithType(TypeWrite)) {
		return false
	}
	if typ == TypeWrite && !m.box.IsLocked(key) {
		return false
	}
	for _, p := range m.pending.snapshot() {
		m.mu.Lock()
		e := m.locks[p.key]
		held := e != nil && e.acquired
		heldWrite := held && e.typ == TypeWrite
		m.mu.Unlock()
		if held && (heldWrite || p.typ == TypeWrite) {
			return true
		}
	}
	return false
}

// drop removes key from the ledger without releasing anything; used when
// its acquisition failed.
func (m *Monitor) drop(key string) {
	m.mu.Lock()
	m.forget(key)
	m.mu.Unlock()
}

// releaseKey removes key from the ledger and invokes its release. Keys
// that are absent or still acquiring are skipped.
func (m *Monitor) releaseKey(key string) {
	m.mu.Lock()
	e := m.locks[key]
	if e == nil || !e.acquired {
		m.mu.Unlock()
		return
	}
	m.forget(key)
	m.mu.Unlock()
	e.release()
}

// releaseOwn is releaseKey restricted to a specific acquisition: if the
// ledger entry under key is not e anymore - the caller unlocked it by hand
// - nothing happens.
func (m *Monitor) releaseOwn(key string, e *monitorLock) {
	m.mu.Lock()
	if m.locks[key] != e || !e.acquired {
		m.mu.Unlock()
		return
	}
	m.forget(key)
	m.mu.Unlock()
	e.release()
}

// forget removes key from the ledger. Called with mu held.
func (m *Monitor) forget(key string) {
	delete(m.locks, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
