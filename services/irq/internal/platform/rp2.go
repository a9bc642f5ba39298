// services/irq/internal/platform/rp2.go
//go:build rp2040 || rp2350

package platform

import (
	"machine"
	"runtime/interrupt"

	"irqbridge/errcode"
	"irqbridge/services/irq/internal/irqcore"
)

// RP2 drives GPIO interrupts on Raspberry Pi Pico / Pico 2 through TinyGo's
// machine.Pin.SetInterrupt. The callback runs in the IO_IRQ_BANK0 handler.
type RP2 struct {
	installed bool
	attached  [30]bool
	trigger   [30]irqcore.TriggerEdge // applied by SetInterrupt at attach time
}

// Default returns the board driver.
func Default() irqcore.Driver { return &RP2{} }

func (d *RP2) ValidPin(pin irqcore.PinHandle) bool {
	// Constrain to RP2's user GPIOs (GP0..GP29).
	return pin <= 29
}

// InstallISRService is a flag only: TinyGo enables the bank interrupt on the
// first SetInterrupt call.
func (d *RP2) InstallISRService(_ uint32) error {
	if d.installed {
		return irqcore.ErrAlreadyInstalled
	}
	d.installed = true
	return nil
}

// DeinitRouting returns the pad to plain SIO input, dropping any peripheral
// function (PWM, UART, ADC) previously selected.
func (d *RP2) DeinitRouting(pin irqcore.PinHandle) error {
	if !d.ValidPin(pin) {
		return errcode.UnknownPin
	}
	machine.Pin(pin).Configure(machine.PinConfig{Mode: machine.PinInput})
	return nil
}

func (d *RP2) ConfigurePin(pin irqcore.PinHandle, cfg irqcore.PinConfig) error {
	if !d.ValidPin(pin) {
		return errcode.UnknownPin
	}
	var mode machine.PinMode
	switch cfg.Pull {
	case irqcore.PullUp:
		mode = machine.PinInputPullup
	case irqcore.PullDown:
		mode = machine.PinInputPulldown
	default:
		mode = machine.PinInput
	}
	machine.Pin(pin).Configure(machine.PinConfig{Mode: mode})
	d.trigger[pin] = cfg.Trigger
	return nil
}

func (d *RP2) AttachISR(pin irqcore.PinHandle, fn irqcore.ISRFunc, ctx uintptr) error {
	if !d.installed {
		return errcode.NotInstalled
	}
	if !d.ValidPin(pin) {
		return errcode.UnknownPin
	}
	if d.attached[pin] {
		return errcode.PinInUse
	}
	change, ok := toPinChange(d.trigger[pin])
	if !ok {
		return errcode.Unsupported
	}
	if err := machine.Pin(pin).SetInterrupt(change, func(machine.Pin) { fn(ctx) }); err != nil {
		return err
	}
	d.attached[pin] = true
	return nil
}

// DetachISR masks the pin's interrupt with the bank interrupt disabled, so no
// handler for this pin can be mid-flight or pending once it returns.
func (d *RP2) DetachISR(pin irqcore.PinHandle) error {
	if !d.ValidPin(pin) || !d.attached[pin] {
		return errcode.New(errcode.TeardownError, "detach_isr", "no handler attached")
	}
	state := interrupt.Disable()
	var zero machine.PinChange
	err := machine.Pin(pin).SetInterrupt(zero, nil)
	interrupt.Restore(state)
	if err != nil {
		return err
	}
	d.attached[pin] = false
	return nil
}

func toPinChange(e irqcore.TriggerEdge) (machine.PinChange, bool) {
	switch e {
	case irqcore.RisingEdge:
		return machine.PinRising, true
	case irqcore.FallingEdge:
		return machine.PinFalling, true
	case irqcore.AnyEdge:
		return machine.PinToggle, true
	case irqcore.LevelHigh:
		return machine.PinLevelHigh, true
	case irqcore.LevelLow:
		return machine.PinLevelLow, true
	default:
		var zero machine.PinChange
		return zero, false
	}
}
