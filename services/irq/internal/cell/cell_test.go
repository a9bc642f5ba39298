package cell

import (
	"errors"
	"testing"

	"irqbridge/errcode"
)

func TestTrampolineInvokesCapturedState(t *testing.T) {
	count := 0
	h, s, err := New(func() { count++ })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Dispose()

	for i := 0; i < 3; i++ {
		Trampoline(uintptr(h))
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	if !Live(h) || s.Handle() != h {
		t.Fatal("cell should be live")
	}
}

func TestDisposedHandleIsInert(t *testing.T) {
	calls := 0
	h, s, err := New(func() { calls++ })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Dispose()
	s.Dispose() // idempotent

	before := Stale()
	if Invoke(h) {
		t.Fatal("Invoke on disposed handle reported success")
	}
	if calls != 0 {
		t.Fatal("disposed callback ran")
	}
	if Live(h) || !s.Disposed() {
		t.Fatal("disposed cell still live")
	}
	if Stale() != before+1 {
		t.Fatalf("stale counter not bumped")
	}
}

func TestStaleHandleNeverReachesReusedSlot(t *testing.T) {
	h1, s1, err := New(func() { t.Fatal("old callback ran") })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s1.Dispose()

	hit := 0
	h2, s2, err := New(func() { hit++ })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s2.Dispose()

	if h1 == h2 {
		t.Fatal("reused slot produced identical handle")
	}
	Invoke(h1)
	if hit != 0 {
		t.Fatal("stale handle invoked the new cell")
	}
	Invoke(h2)
	if hit != 1 {
		t.Fatalf("hit = %d", hit)
	}
}

func TestDisarmStopsInvocation(t *testing.T) {
	calls := 0
	h, s, err := New(func() { calls++ })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Dispose()

	s.Disarm()
	if Invoke(h) || calls != 0 {
		t.Fatal("disarmed cell ran")
	}
	if !Live(h) {
		t.Fatal("disarm must not release the slot")
	}
}

func TestTableFullAndInvalidInput(t *testing.T) {
	if _, _, err := New(nil); !errors.Is(err, errcode.ConfigurationError) {
		t.Fatalf("New(nil) err = %v", err)
	}

	var held []*Storage
	defer func() {
		for _, s := range held {
			s.Dispose()
		}
	}()
	for InUse() < Slots {
		_, s, err := New(func() {})
		if err != nil {
			t.Fatalf("New while free slots remain: %v", err)
		}
		held = append(held, s)
	}
	_, _, err := New(func() {})
	if !errors.Is(err, errcode.RegistrationError) || errcode.OpOf(err) != "cell_alloc" {
		t.Fatalf("expected registration_error [cell_alloc], got %v", err)
	}

	if Invoke(0) || Live(0) {
		t.Fatal("zero handle must be invalid")
	}
}

func TestGenerationWrapsWithinHandleWord(t *testing.T) {
	if nextGen(0) != 1 || nextGen(genMask) != 1 || nextGen(41) != 42 {
		t.Fatal("nextGen does not wrap within genMask skipping zero")
	}

	h1, s1, err := New(func() {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	i, _ := h1.slot()
	s1.Dispose()

	allocMu.Lock()
	gens[i] = genMask - 1
	allocMu.Unlock()

	hLast, sLast, err := New(func() {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if j, _ := hLast.slot(); j != i || uint64(hLast)>>slotBits != genMask {
		t.Fatalf("handle %#x: slot %d gen %d", hLast, j, uint64(hLast)>>slotBits)
	}
	if uint64(hLast) > 1<<32-1 {
		t.Fatalf("handle %#x does not fit 32 bits", hLast)
	}
	sLast.Dispose()

	hWrap, sWrap, err := New(func() {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sWrap.Dispose()
	if uint64(hWrap)>>slotBits != 1 || hWrap == hLast || Live(hLast) {
		t.Fatalf("wrapped handle %#x after %#x", hWrap, hLast)
	}
}
