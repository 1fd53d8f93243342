package xlock

// LockType distinguishes shared and exclusive access on the reader-writer
// locks and inside LockBox and Monitor requests.
//
// The zero value is TypeWrite: a request that does not specify a type asks
// for exclusive access.
type LockType int

const (
	TypeWrite LockType = iota
	TypeRead
)

// String implements fmt.Stringer.
func (t LockType) String() string {
	switch t {
	case TypeWrite:
		return "write"
	case TypeRead:
		return "read"
	}
	return "unknown"
}

// LockOption configures a single locking call.
type LockOption func(*lockOptions)

type lockOptions struct {
	weight int64
	typ    LockType
	typSet bool
}

// Weight makes the call consume n units of a Semaphore's limit.
// Primitives without a weight axis ignore it.
//
// Weight panics if n is less than one.
func Weight(n int64) LockOption {
	if n < 1 {
		panic("xlock: weight must be at least 1")
	}
	return func(o *lockOptions) {
		o.weight = n
	}
}

// WithType selects shared or exclusive access on a reader-writer lock.
// Primitives without a type axis ignore it.
func WithType(t LockType) LockOption {
	return func(o *lockOptions) {
		o.typ = t
		o.typSet = true
	}
}

func makeOptions(opts []LockOption) lockOptions {
	o := lockOptions{
		weight: 1,
		typ:    TypeWrite,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
