// Package cell stores type-erased interrupt callbacks behind one opaque word.
//
// A cell is created in normal context, published into a fixed table of
// atomic slots, and looked up lock-free from interrupt context by its Handle.
// Handles carry a generation so a stale handle never reaches a cell that later
// reuses the same slot.
package cell

import (
	"sync"
	"sync/atomic"

	"irqbridge/errcode"
)

// Slots is the number of cells that may be live at once.
const Slots = 64

// Handle is the context word handed to drivers. The zero Handle is invalid.
type Handle uintptr

// A Handle packs the slot index (plus one) into the low slotBits and the
// generation above it. The generation is limited to genBits so a Handle fits
// a 32-bit word: the same slot may be reused 2^24-1 times before a handle
// value repeats.
const (
	slotBits = 8
	genBits  = 24
	genMask  = 1<<genBits - 1
)

// nextGen advances a slot generation, wrapping within genMask and skipping 0.
func nextGen(g uint32) uint32 {
	g = (g + 1) & genMask
	if g == 0 {
		g = 1
	}
	return g
}

func makeHandle(idx int, gen uint32) Handle {
	return Handle(uintptr(gen)<<slotBits | uintptr(idx+1))
}

func (h Handle) slot() (int, bool) {
	i := int(h&(1<<slotBits-1)) - 1
	return i, i >= 0 && i < Slots
}

// Storage owns one boxed callback. It is held by exactly one subscription.
type Storage struct {
	h        Handle
	fn       func()
	disarmed atomic.Bool
	disposed atomic.Bool
}

var (
	table [Slots]atomic.Pointer[Storage]

	allocMu sync.Mutex // normal context only
	gens    [Slots]uint32
	stale   atomic.Uint32
)

var errTableFull = errcode.New(errcode.RegistrationError, "cell_alloc", "callback table full")

// New boxes fn and publishes it. The returned Handle is a non-owning view of
// the Storage; the Storage must outlive every possible Invoke of the Handle.
func New(fn func()) (Handle, *Storage, error) {
	if fn == nil {
		return 0, nil, errcode.New(errcode.ConfigurationError, "cell_alloc", "nil callback")
	}
	allocMu.Lock()
	defer allocMu.Unlock()
	for i := range table {
		if table[i].Load() != nil {
			continue
		}
		gens[i] = nextGen(gens[i])
		s := &Storage{h: makeHandle(i, gens[i]), fn: fn}
		table[i].Store(s)
		return s.h, s, nil
	}
	return 0, nil, errTableFull
}

// Handle returns the context word for this cell.
func (s *Storage) Handle() Handle { return s.h }

// Disarm makes every later Invoke of this cell a no-op. Safe from any context.
func (s *Storage) Disarm() { s.disarmed.Store(true) }

// Dispose releases the slot. The caller guarantees the driver no longer holds
// the handle (detach happened first). Idempotent.
func (s *Storage) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.disarmed.Store(true)
	if i, ok := s.h.slot(); ok {
		table[i].CompareAndSwap(s, nil)
	}
}

// Disposed reports whether Dispose has run.
func (s *Storage) Disposed() bool { return s.disposed.Load() }

// Invoke runs the callback named by h. Interrupt-safe: no locks, no allocation.
// It returns false when h is unknown, stale or disarmed.
func Invoke(h Handle) bool {
	i, ok := h.slot()
	if !ok {
		stale.Add(1)
		return false
	}
	s := table[i].Load()
	if s == nil || s.h != h || s.disarmed.Load() {
		stale.Add(1)
		return false
	}
	s.fn()
	return true
}

// Live reports whether h names a published, undisposed cell.
func Live(h Handle) bool {
	i, ok := h.slot()
	if !ok {
		return false
	}
	s := table[i].Load()
	return s != nil && s.h == h
}

// InUse counts published cells.
func InUse() int {
	n := 0
	for i := range table {
		if table[i].Load() != nil {
			n++
		}
	}
	return n
}

// Stale counts invocations that found no live, armed cell.
func Stale() uint32 { return stale.Load() }
