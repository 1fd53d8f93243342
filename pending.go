package xlock

import (
	"sync"
)

// PendingTable counts, per (key, lock type), the monitors currently blocked
// trying to acquire that exact lock. Sharing one table among every monitor
// over a LockBox is what enables deadlock detection; a monitor constructed
// without a table never detects anything.
//
// The zero value is an empty table ready for use.
type PendingTable struct {
	mu sync.Mutex
	m  map[pendingKey]int
}

type pendingKey struct {
	key string
	typ LockType
}

// NewPendingTable creates an empty pending-locks table.
func NewPendingTable() *PendingTable {
	return &PendingTable{}
}

func (t *PendingTable) add(key string, typ LockType) {
	t.mu.Lock()
	if t.m == nil {
		t.m = make(map[pendingKey]int)
	}
	t.m[pendingKey{key, typ}]++
	t.mu.Unlock()
}

func (t *PendingTable) remove(key string, typ LockType) {
	t.mu.Lock()
	k := pendingKey{key, typ}
	if n := t.m[k]; n <= 1 {
		delete(t.m, k)
	} else {
		t.m[k] = n - 1
	}
	t.mu.Unlock()
}

func (t *PendingTable) snapshot() []pendingKey {
	t.mu.Lock()
	keys := make([]pendingKey, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	return keys
}
