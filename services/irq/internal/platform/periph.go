// services/irq/internal/platform/periph.go
//go:build linux && !tinygo

package platform

import (
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"irqbridge/errcode"
	"irqbridge/services/irq/internal/irqcore"
	"irqbridge/x/conv"
)

// Periph serves GPIO edge interrupts on Linux hosts via periph.io.
//
// The kernel delivers edges to a per-line goroutine blocked in WaitForEdge;
// that goroutine plays the interrupt context and calls the installed ISR.
// Level triggers are not offered by the kernel interface.
type Periph struct {
	// PollInterval bounds how long DetachISR may wait for a quiet line.
	PollInterval time.Duration

	mu        sync.Mutex
	installed bool
	lines     map[irqcore.PinHandle]*periphLine
}

type periphLine struct {
	p    gpio.PinIO
	cfg  irqcore.PinConfig
	stop atomic.Bool
	done chan struct{}
}

func NewPeriph() *Periph {
	return &Periph{
		PollInterval: 100 * time.Millisecond,
		lines:        make(map[irqcore.PinHandle]*periphLine),
	}
}

// Default returns the Linux host driver.
func Default() irqcore.Driver { return NewPeriph() }

func pinName(pin irqcore.PinHandle) string {
	var buf [4]byte
	return "GPIO" + string(conv.Itoa(buf[:], int64(pin)))
}

func (d *Periph) lookup(pin irqcore.PinHandle) (gpio.PinIO, error) {
	p := gpioreg.ByName(pinName(pin))
	if p == nil {
		return nil, errcode.UnknownPin
	}
	return p, nil
}

func (d *Periph) ValidPin(pin irqcore.PinHandle) bool {
	if pin >= irqcore.MaxPins {
		return false
	}
	d.mu.Lock()
	installed := d.installed
	d.mu.Unlock()
	if !installed {
		// Registry is empty before host.Init; defer the check to configure.
		return true
	}
	_, err := d.lookup(pin)
	return err == nil
}

// InstallISRService loads the periph host drivers. host.Init is itself
// idempotent; a repeated call reports ErrAlreadyInstalled.
func (d *Periph) InstallISRService(_ uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.installed {
		return irqcore.ErrAlreadyInstalled
	}
	if _, err := host.Init(); err != nil {
		return err
	}
	d.installed = true
	return nil
}

// DeinitRouting halts whatever the pin was doing (PWM, clock output).
func (d *Periph) DeinitRouting(pin irqcore.PinHandle) error {
	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	return p.Halt()
}

func (d *Periph) ConfigurePin(pin irqcore.PinHandle, cfg irqcore.PinConfig) error {
	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	edge, ok := toEdge(cfg.Trigger)
	if !ok {
		return errcode.New(errcode.ConfigurationError, "configure_pin", "level trigger "+cfg.Trigger.String()+" unsupported on linux")
	}
	if err := p.In(toPull(cfg.Pull), edge); err != nil {
		return err
	}
	d.mu.Lock()
	if l, ok := d.lines[pin]; ok {
		l.cfg = cfg
	} else {
		d.lines[pin] = &periphLine{p: p, cfg: cfg}
	}
	d.mu.Unlock()
	return nil
}

func (d *Periph) AttachISR(pin irqcore.PinHandle, fn irqcore.ISRFunc, ctx uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return errcode.NotInstalled
	}
	l, ok := d.lines[pin]
	if !ok || l.cfg.Trigger == irqcore.TriggerNone {
		return errcode.New(errcode.RegistrationError, "attach_isr", "pin not configured for interrupts")
	}
	if l.done != nil {
		return errcode.PinInUse
	}
	l.stop.Store(false)
	l.done = make(chan struct{})
	go d.watch(l, fn, ctx)
	return nil
}

func (d *Periph) watch(l *periphLine, fn irqcore.ISRFunc, ctx uintptr) {
	defer close(l.done)
	poll := d.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	for !l.stop.Load() {
		if l.p.WaitForEdge(poll) && !l.stop.Load() {
			fn(ctx)
		}
	}
}

// DetachISR stops the line's watcher and waits for it to exit.
func (d *Periph) DetachISR(pin irqcore.PinHandle) error {
	d.mu.Lock()
	l, ok := d.lines[pin]
	if !ok || l.done == nil {
		d.mu.Unlock()
		return errcode.New(errcode.TeardownError, "detach_isr", "no handler attached")
	}
	done := l.done
	l.done = nil
	d.mu.Unlock()

	l.stop.Store(true)
	// Re-arming with NoEdge wakes a blocked WaitForEdge.
	err := l.p.In(gpio.PullNoChange, gpio.NoEdge)
	<-done
	return err
}

func toEdge(e irqcore.TriggerEdge) (gpio.Edge, bool) {
	switch e {
	case irqcore.TriggerNone:
		return gpio.NoEdge, true
	case irqcore.RisingEdge:
		return gpio.RisingEdge, true
	case irqcore.FallingEdge:
		return gpio.FallingEdge, true
	case irqcore.AnyEdge:
		return gpio.BothEdges, true
	default:
		return gpio.NoEdge, false
	}
}

func toPull(p irqcore.Pull) gpio.Pull {
	switch p {
	case irqcore.PullUp:
		return gpio.PullUp
	case irqcore.PullDown:
		return gpio.PullDown
	default:
		return gpio.Float
	}
}
