package xlock

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"golang.org/x/sync/errgroup"
)

// Lockable is the contract LockBox expects from its entries. Semaphore,
// Lock, RWLockReader and RWLockWriter all satisfy it.
type Lockable interface {
	Lock(ctx context.Context, opts ...LockOption) (ReleaseFunc, error)
	WaitForUnlock(ctx context.Context, opts ...LockOption) error
	IsLocked(opts ...LockOption) bool
	Count() int
}

// Request names one key a LockBox call wants to lock: the key, the
// constructor for the lockable to create on first use, and the options
// forwarded to its Lock.
type Request struct {
	Key  string
	New  func() Lockable
	Opts []LockOption
}

// NewRequest builds a Request.
func NewRequest(key string, newLockable func() Lockable, opts ...LockOption) Request {
	return Request{
		Key:  key,
		New:  newLockable,
		Opts: opts,
	}
}

// KeyAcquire pairs a key with its deferred acquisition, as returned by
// LockBox.LockMulti.
type KeyAcquire struct {
	Key     string
	Acquire Acquire
}

// LockBox is a dynamically growing map from string key to a live lockable.
//
// An entry exists while at least one holder or waiter references it; when
// the last one lets go and the lockable reports itself unlocked, the entry
// is removed. The concrete lockable type of a live key is fixed: a request
// naming a different type fails with ErrBoxConflict.
//
// Multi-key acquisition always walks keys in their natural string order,
// so two callers locking overlapping key sets cannot deadlock through
// inverse acquisition order.
//
// The zero value is an empty box ready for use. A LockBox must not be
// copied after first use.
type LockBox struct {
	mu      sync.Mutex
	entries map[string]*boxEntry
}

type boxEntry struct {
	lockable Lockable
	// pins counts acquires between checkout and checkin; it keeps the entry
	// alive across the gap where the lockable itself does not yet count the
	// caller.
	pins int
}

// Lock acquires every requested key in natural key order, deduplicating
// repeated keys (the first request for a key wins). On any failure it
// releases what it had already acquired, in reverse order, and removes
// entries that ended up unused. The returned release does the same reverse
// walk.
func (b *LockBox) Lock(ctx context.Context, reqs ...Request) (ReleaseFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	acquires := b.LockMulti(reqs...)
	releases := make([]ReleaseFunc, 0, len(acquires))
	for _, ka := range acquires {
		release, err := ka.Acquire(ctx)
		if err != nil {
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
			return nil, err
		}
		releases = append(releases, release)
	}
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}, nil
}

// LockMulti returns one deferred acquisition per distinct requested key, in
// natural key order. The caller may invoke them independently; per-entry
// bookkeeping still holds, but release ordering is the caller's problem.
func (b *LockBox) LockMulti(reqs ...Request) []KeyAcquire {
	sorted := sortRequests(reqs)
	acquires := make([]KeyAcquire, 0, len(sorted))
	for _, req := range sorted {
		acquires = append(acquires, KeyAcquire{
			Key:     req.Key,
			Acquire: b.keyAcquire(req),
		})
	}
	return acquires
}

// With locks the requested keys around body, releasing on every exit path.
func (b *LockBox) With(ctx context.Context, body func(ctx context.Context) error, reqs ...Request) error {
	return With(ctx, body, func(ctx context.Context) (ReleaseFunc, error) {
		return b.Lock(ctx, reqs...)
	})
}

// WithMulti is With over the independent per-key acquires of LockMulti:
// each key is acquired separately, in canonical order, and released in
// reverse on every exit path.
func (b *LockBox) WithMulti(ctx context.Context, body func(ctx context.Context) error, reqs ...Request) error {
	keyAcquires := b.LockMulti(reqs...)
	acquires := make([]Acquire, 0, len(keyAcquires))
	for _, ka := range keyAcquires {
		acquires = append(acquires, ka.Acquire)
	}
	return With(ctx, body, acquires...)
}

// IsLocked reports whether the entry under key is locked, or, for the
// empty key, whether any entry is.
func (b *LockBox) IsLocked(key string, opts ...LockOption) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if key == "" {
		for _, e := range b.entries {
			if e.lockable.IsLocked() {
				return true
			}
		}
		return false
	}
	e := b.entries[key]
	if e == nil {
		return false
	}
	return e.lockable.IsLocked(opts...)
}

// WaitForUnlock blocks until the entry under key is observably unlocked;
// for the empty key it waits on every current entry concurrently.
// Cancellation cancels each pending wait.
func (b *LockBox) WaitForUnlock(ctx context.Context, key string, opts ...LockOption) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if key == "" {
		b.mu.Lock()
		lockables := make([]Lockable, 0, len(b.entries))
		for _, e := range b.entries {
			lockables = append(lockables, e.lockable)
		}
		b.mu.Unlock()
		g, ctx := errgroup.WithContext(ctx)
		for _, l := range lockables {
			g.Go(func() error {
				return l.WaitForUnlock(ctx)
			})
		}
		return g.Wait()
	}
	b.mu.Lock()
	e := b.entries[key]
	b.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.lockable.WaitForUnlock(ctx, opts...)
}

// Count returns the sum of entry counts across the box.
func (b *LockBox) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for _, e := range b.entries {
		n += e.lockable.Count()
	}
	return n
}

// Keys returns the live keys in natural order.
func (b *LockBox) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// keyAcquire defers the acquisition of a single key. Entry creation, the
// type conflict check and pinning all happen at invocation time.
func (b *LockBox) keyAcquire(req Request) Acquire {
	return func(ctx context.Context) (ReleaseFunc, error) {
		lockable, err := b.checkout(req)
		if err != nil {
			return nil, err
		}
		release, err := lockable.Lock(ctx, req.Opts...)
		if err != nil {
			b.checkin(req.Key)
			return nil, err
		}
		var released atomic.Bool
		return func() {
			if !released.CompareAndSwap(false, true) {
				return
			}
			release()
			b.checkin(req.Key)
		}, nil
	}
}

// checkout pins the entry under req.Key, creating it on first use and
// verifying the lockable type otherwise.
func (b *LockBox) checkout(req Request) (Lockable, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries == nil {
		b.entries = make(map[string]*boxEntry)
	}
	e := b.entries[req.Key]
	if e == nil {
		e = &boxEntry{lockable: req.New()}
		b.entries[req.Key] = e
	} else if want, have := reflect.TypeOf(req.New()), reflect.TypeOf(e.lockable); want != have {
		return nil, fmt.Errorf("%w: key %q holds %s, requested %s", ErrBoxConflict, req.Key, have, want)
	}
	e.pins++
	return e.lockable, nil
}

// checkin unpins the entry under key and removes it once nothing holds,
// waits on, or pins it.
func (b *LockBox) checkin(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[key]
	if e == nil {
		return
	}
	e.pins--
	if e.pins <= 0 && !e.lockable.IsLocked() {
		delete(b.entries, key)
	}
}

// sortRequests copies reqs, deduplicates by key keeping the first request,
// and sorts by natural key order.
func sortRequests(reqs []Request) []Request {
	seen := make(map[string]struct{}, len(reqs))
	sorted := make([]Request, 0, len(reqs))
	for _, req := range reqs {
		if _, ok := seen[req.Key]; ok {
			continue
		}
		seen[req.Key] = struct{}{}
		sorted = append(sorted, req)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})
	return sorted
}
