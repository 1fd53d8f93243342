package xlock

// waiter is a single pending admission of a Semaphore.
//
// Admission is signalled by sending into c (buffered by one), so the waking
// side never blocks and a cancelled waiter leaves no goroutine behind.
type waiter struct {
	c      chan struct{}
	weight int64
	ticket uint64

	// probe marks a WaitForUnlock waiter: it is admitted like any other
	// waiter but consumes no weight.
	probe bool

	// admitted is set under the owning semaphore's mutex before the wake is
	// sent. The cancel path re-checks it to resolve the cancel/admit race.
	admitted bool

	// byWeight selects the queue discipline the waiter was enqueued under.
	byWeight bool

	// pos is the position within the semaphore's heap.
	// It MUST be accessed with the semaphore's mutex held.
	pos int
}

func newWaiter(weight int64, ticket uint64, probe, byWeight bool) *waiter {
	return &waiter{
		c:        make(chan struct{}, 1),
		weight:   weight,
		ticket:   ticket,
		probe:    probe,
		byWeight: byWeight,
		pos:      -1,
	}
}

func (w *waiter) admit() {
	w.admitted = true
	w.c <- struct{}{}
}

// less orders waiters by admission precedence: strictly by ticket for the
// FIFO discipline, by (weight, ticket) for the prioritized one so that
// lighter waiters jump the queue.
func (w *waiter) less(b *waiter) bool {
	if w.byWeight && w.weight != b.weight {
		return w.weight < b.weight
	}
	return w.ticket < b.ticket
}

// waiterHeap is a min-heap of waiters; the topmost item is the next waiter
// to be considered for admission.
type waiterHeap struct {
	data []*waiter
}

func (h *waiterHeap) Push(x *waiter) {
	i := len(h.data)
	h.data = append(h.data, x)
	x.pos = i
	h.siftUp(i)
}

func (h *waiterHeap) Pop() *waiter {
	return h.remove(0)
}

func (h *waiterHeap) Min() *waiter {
	if len(h.data) > 0 {
		return h.data[0]
	}
	return nil
}

// Remove evicts x from the heap. It reports false if x is not there
// anymore, that is, it has already been popped for admission.
func (h *waiterHeap) Remove(x *waiter) bool {
	if x.pos < 0 || x.pos >= len(h.data) || h.data[x.pos] != x {
		return false
	}
	return h.remove(x.pos) == x
}

func (h *waiterHeap) Size() int {
	return len(h.data)
}

func (h *waiterHeap) remove(i int) *waiter {
	n := h.Size()
	if n == 0 {
		return nil
	}

	x := h.data[i]
	h.swap(i, n-1)
	x.pos = -1
	h.data[n-1] = nil
	h.data = h.data[:n-1]

	if i < len(h.data) {
		if p := parent(i); p < len(h.data) && h.data[i].less(h.data[p]) {
			h.siftUp(i)
		} else {
			h.siftDown(i)
		}
	}

	return x
}

func (h *waiterHeap) swap(i, j int) {
	h.data[i], h.data[j] = h.data[j], h.data[i]
	h.data[i].pos = i
	h.data[j].pos = j
}

func (h *waiterHeap) siftUp(i int) {
	for i > 0 {
		p := parent(i)
		if !h.data[i].less(h.data[p]) {
			return
		}
		h.swap(p, i)
		i = p
	}
}

func (h *waiterHeap) siftDown(i int) {
	for {
		min := i
		i1, i2 := children(i)
		if i1 < len(h.data) && h.data[i1].less(h.data[min]) {
			min = i1
		}
		if i2 < len(h.data) && h.data[i2].less(h.data[min]) {
			min = i2
		}
		if min == i {
			break
		}
		h.swap(i, min)
		i = min
	}
}

func parent(x int) int {
	return (x - 1) / 2
}

func children(x int) (int, int) {
	return 2*x + 1, 2*x + 2
}
