// services/irq/internal/platform/fake.go
package platform

import (
	"sync"

	"irqbridge/errcode"
	"irqbridge/services/irq/internal/irqcore"
)

// Op is one driver call recorded by FakeDriver.
type Op struct {
	Kind  string // install, deinit, configure, attach, detach
	Pin   irqcore.PinHandle
	Cfg   irqcore.PinConfig
	Ctx   uintptr
	Flags uint32 // install only
}

type fakeLine struct {
	isr sync.Mutex // held while the simulated interrupt runs

	level    bool
	cfg      irqcore.PinConfig
	released bool
	fn       irqcore.ISRFunc
	ctx      uintptr
	calls    int
}

// FakeDriver implements irqcore.Driver for host-side tests.
//
// Set drives a line level and runs the attached ISR when the configured
// trigger matches, synchronously in the caller's goroutine. DetachISR waits
// for an in-flight simulated interrupt before returning.
type FakeDriver struct {
	mu        sync.Mutex
	lines     map[irqcore.PinHandle]*fakeLine
	installed bool
	installs  int
	ops       []Op
	fail      map[string]error

	// MaxPin bounds ValidPin (inclusive). Zero means irqcore.MaxPins-1.
	MaxPin irqcore.PinHandle
	// OnDetach runs inside DetachISR before the handler is removed.
	OnDetach func(pin irqcore.PinHandle, ctx uintptr)
}

func NewFake() *FakeDriver {
	return &FakeDriver{
		lines: make(map[irqcore.PinHandle]*fakeLine),
		fail:  make(map[string]error),
	}
}

// FailNext makes the next call of kind return err.
func (d *FakeDriver) FailNext(kind string, err error) {
	d.mu.Lock()
	d.fail[kind] = err
	d.mu.Unlock()
}

func (d *FakeDriver) line(pin irqcore.PinHandle) *fakeLine {
	l, ok := d.lines[pin]
	if !ok {
		l = &fakeLine{}
		d.lines[pin] = l
	}
	return l
}

// record logs op and consumes an injected failure. Caller holds d.mu.
func (d *FakeDriver) record(op Op) error {
	if err, ok := d.fail[op.Kind]; ok {
		delete(d.fail, op.Kind)
		return err
	}
	d.ops = append(d.ops, op)
	return nil
}

func (d *FakeDriver) ValidPin(pin irqcore.PinHandle) bool {
	max := d.MaxPin
	if max == 0 {
		max = irqcore.MaxPins - 1
	}
	return pin <= max
}

func (d *FakeDriver) InstallISRService(flags uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(Op{Kind: "install", Flags: flags}); err != nil {
		return err
	}
	d.installs++
	if d.installed {
		return irqcore.ErrAlreadyInstalled
	}
	d.installed = true
	return nil
}

func (d *FakeDriver) DeinitRouting(pin irqcore.PinHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(Op{Kind: "deinit", Pin: pin}); err != nil {
		return err
	}
	d.line(pin).released = true
	return nil
}

func (d *FakeDriver) ConfigurePin(pin irqcore.PinHandle, cfg irqcore.PinConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ValidPin(pin) {
		return errcode.UnknownPin
	}
	if err := d.record(Op{Kind: "configure", Pin: pin, Cfg: cfg}); err != nil {
		return err
	}
	l := d.line(pin)
	if cfg.Trigger != irqcore.TriggerNone && !l.released {
		return errcode.New(errcode.ConfigurationError, "configure_pin", "alternate routing still active")
	}
	l.cfg = cfg
	return nil
}

func (d *FakeDriver) AttachISR(pin irqcore.PinHandle, fn irqcore.ISRFunc, ctx uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return errcode.NotInstalled
	}
	if err := d.record(Op{Kind: "attach", Pin: pin, Ctx: ctx}); err != nil {
		return err
	}
	l := d.line(pin)
	l.isr.Lock()
	defer l.isr.Unlock()
	if l.fn != nil {
		return errcode.PinInUse
	}
	l.fn, l.ctx = fn, ctx
	return nil
}

func (d *FakeDriver) DetachISR(pin irqcore.PinHandle) error {
	d.mu.Lock()
	l, ok := d.lines[pin]
	var ctx uintptr
	if ok {
		l.isr.Lock()
		ok = l.fn != nil
		ctx = l.ctx
		l.isr.Unlock()
	}
	if !ok {
		d.mu.Unlock()
		return errcode.New(errcode.TeardownError, "detach_isr", "no handler attached")
	}
	if err := d.record(Op{Kind: "detach", Pin: pin, Ctx: ctx}); err != nil {
		d.mu.Unlock()
		return err
	}
	hook := d.OnDetach
	d.mu.Unlock()

	if hook != nil {
		hook(pin, ctx)
	}

	l.isr.Lock() // wait out an in-flight interrupt
	l.fn, l.ctx = nil, 0
	l.isr.Unlock()
	return nil
}

// ---- Simulation ----

// Set drives pin to level and fires the ISR if the configured trigger matches.
// It reports whether the ISR ran.
func (d *FakeDriver) Set(pin irqcore.PinHandle, level bool) bool {
	d.mu.Lock()
	l := d.line(pin)
	old := l.level
	l.level = level
	want := triggered(l.cfg.Trigger, old, level)
	d.mu.Unlock()
	if !want {
		return false
	}
	return d.run(l)
}

// Fire runs the attached ISR regardless of trigger or level.
func (d *FakeDriver) Fire(pin irqcore.PinHandle) bool {
	d.mu.Lock()
	l := d.line(pin)
	d.mu.Unlock()
	return d.run(l)
}

func (d *FakeDriver) run(l *fakeLine) bool {
	l.isr.Lock()
	defer l.isr.Unlock()
	if l.fn == nil {
		return false
	}
	l.calls++
	l.fn(l.ctx)
	return true
}

func triggered(cfg irqcore.TriggerEdge, old, level bool) bool {
	switch cfg {
	case irqcore.RisingEdge:
		return !old && level
	case irqcore.FallingEdge:
		return old && !level
	case irqcore.AnyEdge:
		return old != level
	case irqcore.LevelHigh:
		return level
	case irqcore.LevelLow:
		return !level
	default:
		return false
	}
}

// ---- Inspection ----

func (d *FakeDriver) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.ops...)
}

func (d *FakeDriver) Installs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installs
}

// Attached reports whether pin currently has a handler.
func (d *FakeDriver) Attached(pin irqcore.PinHandle) bool {
	d.mu.Lock()
	l, ok := d.lines[pin]
	d.mu.Unlock()
	if !ok {
		return false
	}
	l.isr.Lock()
	defer l.isr.Unlock()
	return l.fn != nil
}

// Config returns the last configuration applied to pin.
func (d *FakeDriver) Config(pin irqcore.PinHandle) irqcore.PinConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.line(pin).cfg
}

// Calls counts ISR invocations on pin.
func (d *FakeDriver) Calls(pin irqcore.PinHandle) int {
	d.mu.Lock()
	l := d.line(pin)
	d.mu.Unlock()
	l.isr.Lock()
	defer l.isr.Unlock()
	return l.calls
}
