// Package isrq is a bounded, allocation-free queue of fixed-size values whose
// producer side may be called from interrupt context.
//
// Producers never block and never allocate: TryPut either claims a slot with a
// single CAS or reports the queue full. The consumer side is meant for one
// goroutine. Ordering is FIFO by slot claim, so values from any one producer
// come out in the order that producer put them.
package isrq

import "sync/atomic"

type slot[T any] struct {
	seq atomic.Uint32
	val T
}

// Queue is a multi-producer, single-consumer ring.
type Queue[T any] struct {
	slots []slot[T]
	mask  uint32
	head  atomic.Uint32 // consumer position (monotonic)
	tail  atomic.Uint32 // producer position (monotonic)
	drops atomic.Uint32

	readable chan struct{} // empty->non-empty edge
}

// RoundSize is the slot count New allocates for size: the next power of two,
// at least 2.
func RoundSize(size int) int {
	n := 2
	for n < size {
		n <<= 1
	}
	return n
}

// New allocates a queue of RoundSize(size) slots.
func New[T any](size int) *Queue[T] {
	n := RoundSize(size)
	q := &Queue[T]{
		slots:    make([]slot[T], n),
		mask:     uint32(n - 1),
		readable: make(chan struct{}, 1),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint32(i))
	}
	return q
}

// Cap returns the number of slots.
func (q *Queue[T]) Cap() int { return len(q.slots) }

// Len is a racy snapshot of queued values.
func (q *Queue[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Producer side

// TryPut enqueues v. It returns false, and counts a drop, when the queue is full.
func (q *Queue[T]) TryPut(v T) bool {
	pos := q.tail.Load()
	var s *slot[T]
	for {
		s = &q.slots[pos&q.mask]
		dif := int32(s.seq.Load() - pos)
		if dif == 0 && q.tail.CompareAndSwap(pos, pos+1) {
			break
		}
		if dif < 0 {
			q.drops.Add(1)
			return false
		}
		pos = q.tail.Load()
	}
	s.val = v
	s.seq.Store(pos + 1) // publish

	select {
	case q.readable <- struct{}{}:
	default:
	}
	return true
}

// Consumer side

// TryGet dequeues the oldest value.
func (q *Queue[T]) TryGet() (T, bool) {
	var zero T
	pos := q.head.Load()
	s := &q.slots[pos&q.mask]
	if int32(s.seq.Load()-(pos+1)) < 0 {
		return zero, false
	}
	v := s.val
	s.val = zero
	q.head.Store(pos + 1)
	s.seq.Store(pos + q.mask + 1) // hand the slot back to producers
	return v, true
}

// Drain moves queued values into dst (up to len(dst)) and returns the count.
func (q *Queue[T]) Drain(dst []T) int {
	n := 0
	for n < len(dst) {
		v, ok := q.TryGet()
		if !ok {
			break
		}
		dst[n] = v
		n++
	}
	return n
}

// Readable is signalled after a put; a single pending signal may cover many values.
func (q *Queue[T]) Readable() <-chan struct{} { return q.readable }

// Drops returns how many TryPut calls found the queue full.
func (q *Queue[T]) Drops() uint32 { return q.drops.Load() }
