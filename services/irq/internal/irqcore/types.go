// services/irq/internal/irqcore/types.go
package irqcore

import "irqbridge/errcode"

// MaxPins bounds every per-pin table in the interrupt core.
const MaxPins = 64

// PinHandle identifies one physical GPIO line (driver numbering).
type PinHandle uint8

// ---- Trigger selection ----

type TriggerEdge uint8

const (
	TriggerNone TriggerEdge = iota // disarmed; never valid for subscribe
	RisingEdge
	FallingEdge
	AnyEdge
	LevelHigh
	LevelLow
)

func (e TriggerEdge) String() string {
	switch e {
	case RisingEdge:
		return "rising"
	case FallingEdge:
		return "falling"
	case AnyEdge:
		return "any"
	case LevelHigh:
		return "high"
	case LevelLow:
		return "low"
	default:
		return "none"
	}
}

// IsLevel reports whether e is level- rather than edge-triggered.
func (e TriggerEdge) IsLevel() bool { return e == LevelHigh || e == LevelLow }

// ParseTrigger accepts the names produced by String plus a few aliases.
func ParseTrigger(s string) (TriggerEdge, error) {
	switch s {
	case "rising":
		return RisingEdge, nil
	case "falling":
		return FallingEdge, nil
	case "any", "both", "toggle":
		return AnyEdge, nil
	case "high", "level_high":
		return LevelHigh, nil
	case "low", "level_low":
		return LevelLow, nil
	}
	return TriggerNone, errcode.New(errcode.ConfigurationError, "parse_trigger", "unknown trigger "+quote(s))
}

// ---- Pull resistors ----

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

func (p Pull) String() string {
	switch p {
	case PullUp:
		return "up"
	case PullDown:
		return "down"
	default:
		return "none"
	}
}

// ParsePull maps "", "none", "up", "down".
func ParsePull(s string) (Pull, error) {
	switch s {
	case "", "none", "float":
		return PullNone, nil
	case "up":
		return PullUp, nil
	case "down":
		return PullDown, nil
	}
	return PullNone, errcode.New(errcode.ConfigurationError, "parse_pull", "unknown pull "+quote(s))
}

// PinConfig is the input configuration applied before arming. Mode is always input.
type PinConfig struct {
	Pull    Pull
	Trigger TriggerEdge
}

// Validate rejects configurations that cannot be armed.
func (c PinConfig) Validate() error {
	if c.Trigger == TriggerNone || c.Trigger > LevelLow {
		return errcode.New(errcode.ConfigurationError, "validate", "trigger "+c.Trigger.String()+" cannot be armed")
	}
	if c.Pull > PullDown {
		return errcode.New(errcode.ConfigurationError, "validate", "invalid pull")
	}
	return nil
}

// ---- Hardware interrupt line ----

// ISRFunc is the only function shape a driver installs: one opaque context word.
type ISRFunc func(ctx uintptr)

// Driver is the interrupt-controller / pin-configuration collaborator.
//
// AttachISR installs fn for pin with ctx passed back on every invocation.
// DetachISR must be synchronous: once it returns, fn is not running and will
// not run again for that pin.
type Driver interface {
	// InstallISRService installs the process-wide ISR subsystem. A repeated
	// call may return ErrAlreadyInstalled.
	InstallISRService(flags uint32) error
	// DeinitRouting releases alternate (analog/low-power) routing on pin.
	DeinitRouting(pin PinHandle) error
	ConfigurePin(pin PinHandle, cfg PinConfig) error
	AttachISR(pin PinHandle, fn ISRFunc, ctx uintptr) error
	DetachISR(pin PinHandle) error
	ValidPin(pin PinHandle) bool
}

// ErrAlreadyInstalled is what drivers report for a repeated install.
var ErrAlreadyInstalled error = errcode.AlreadyInstalled

func quote(s string) string { return "\"" + s + "\"" }
