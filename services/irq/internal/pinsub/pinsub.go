// services/irq/internal/pinsub/pinsub.go
package pinsub

import (
	"errors"
	"sync"

	"go.uber.org/multierr"

	"irqbridge/errcode"
	"irqbridge/services/irq/internal/cell"
	"irqbridge/services/irq/internal/irqcore"
)

// State of a Subscription.
type State uint8

const (
	Configuring State = iota
	Armed
	Detached
	Faulted // detach could not be confirmed; the cell is kept alive forever
)

func (s State) String() string {
	switch s {
	case Configuring:
		return "configuring"
	case Armed:
		return "armed"
	case Detached:
		return "detached"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Manager owns a driver and enforces one armed subscription per pin.
type Manager struct {
	drv   irqcore.Driver
	flags uint32
	fatal func(error)

	mu        sync.Mutex
	installed bool
	pins      map[irqcore.PinHandle]*Subscription // armed or faulted
}

type Option func(*Manager)

// WithPriorityFlags sets the flags passed to InstallISRService.
func WithPriorityFlags(f uint32) Option { return func(m *Manager) { m.flags = f } }

// WithFatal replaces the handler for unconfirmed detaches (default: panic).
func WithFatal(fn func(error)) Option { return func(m *Manager) { m.fatal = fn } }

func NewManager(drv irqcore.Driver, opts ...Option) *Manager {
	m := &Manager{
		drv:   drv,
		fatal: func(err error) { panic(err) },
		pins:  make(map[irqcore.PinHandle]*Subscription),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Install brings up the driver's ISR subsystem once. Further calls are no-ops;
// a driver reporting ErrAlreadyInstalled counts as success.
func (m *Manager) Install() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installLocked()
}

func (m *Manager) installLocked() error {
	if m.installed {
		return nil
	}
	err := m.drv.InstallISRService(m.flags)
	if err != nil && !errors.Is(err, irqcore.ErrAlreadyInstalled) {
		return errcode.Wrap(errcode.RegistrationError, "install", err)
	}
	m.installed = true
	return nil
}

// Armed reports whether pin has a live registration.
func (m *Manager) Armed(pin irqcore.PinHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pins[pin]
	return ok && s.state == Armed
}

// Subscribe configures pin and arms fn for cfg.Trigger. fn runs in interrupt
// context: it must not block or allocate. On error nothing stays armed.
func (m *Manager) Subscribe(pin irqcore.PinHandle, cfg irqcore.PinConfig, fn func()) (*Subscription, error) {
	s := &Subscription{m: m, pin: pin, cfg: cfg, fn: fn}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.armLocked(s); err != nil {
		return nil, err
	}
	return s, nil
}

// armLocked walks s from Configuring to Armed, undoing every completed step on
// failure. Caller holds m.mu.
func (m *Manager) armLocked(s *Subscription) error {
	s.state = Configuring
	pin := s.pin

	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.fn == nil {
		return errcode.New(errcode.ConfigurationError, "validate", "nil callback")
	}
	if !m.drv.ValidPin(pin) {
		return errcode.Wrap(errcode.ConfigurationError, "validate", errcode.UnknownPin)
	}
	if !m.installed {
		return errcode.Wrap(errcode.RegistrationError, "install", errcode.NotInstalled)
	}
	if _, busy := m.pins[pin]; busy {
		return errcode.Wrap(errcode.RegistrationError, "reserve", errcode.PinInUse)
	}

	if err := m.drv.DeinitRouting(pin); err != nil {
		return errcode.Wrap(errcode.ConfigurationError, "deinit_routing", err)
	}
	if err := m.drv.ConfigurePin(pin, s.cfg); err != nil {
		return multierr.Append(
			errcode.Wrap(errcode.ConfigurationError, "configure_pin", err),
			m.quiesce(pin, s.cfg.Pull))
	}

	h, st, err := cell.New(s.fn)
	if err != nil {
		return multierr.Append(
			errcode.Wrap(errcode.RegistrationError, "cell_alloc", err),
			m.quiesce(pin, s.cfg.Pull))
	}
	if err := m.drv.AttachISR(pin, cell.Trampoline, uintptr(h)); err != nil {
		st.Dispose() // never attached, nothing can invoke it
		return multierr.Append(
			errcode.Wrap(errcode.RegistrationError, "attach_isr", err),
			m.quiesce(pin, s.cfg.Pull))
	}

	s.cell = st
	s.state = Armed
	m.pins[pin] = s
	return nil
}

// quiesce resets the pin's trigger so nothing stays armed after a failed setup.
func (m *Manager) quiesce(pin irqcore.PinHandle, pull irqcore.Pull) error {
	if err := m.drv.ConfigurePin(pin, irqcore.PinConfig{Pull: pull, Trigger: irqcore.TriggerNone}); err != nil {
		return errcode.Wrap(errcode.ConfigurationError, "rollback", err)
	}
	return nil
}

// detachLocked runs the mandatory teardown order: disarm, detach, dispose.
// Caller holds m.mu.
func (m *Manager) detachLocked(s *Subscription) error {
	switch s.state {
	case Detached:
		return errcode.Wrap(errcode.TeardownError, "unsubscribe", errcode.Detached)
	case Faulted:
		return errcode.New(errcode.TeardownError, "unsubscribe", "subscription faulted")
	case Configuring:
		return errcode.New(errcode.TeardownError, "unsubscribe", "subscription never armed")
	}

	s.cell.Disarm()
	if err := m.drv.DetachISR(s.pin); err != nil {
		// The driver may still hold the handle: keep the cell and the pin.
		s.state = Faulted
		terr := errcode.Wrap(errcode.TeardownError, "detach_isr", err)
		m.fatal(terr)
		return terr
	}
	s.cell.Dispose()
	s.cell = nil
	s.state = Detached
	delete(m.pins, s.pin)

	// Best effort: the handler is gone, a lingering trigger is harmless.
	_ = m.quiesce(s.pin, s.cfg.Pull)
	return nil
}

// Close detaches every armed subscription.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs error
	for _, s := range m.pins {
		if s.state != Armed {
			continue
		}
		errs = multierr.Append(errs, m.detachLocked(s))
	}
	return errs
}

// ---- Subscription ----

// Subscription is the sole owner of one callback cell bound to one pin.
type Subscription struct {
	m     *Manager
	pin   irqcore.PinHandle
	cfg   irqcore.PinConfig
	fn    func()
	cell  *cell.Storage
	state State
}

func (s *Subscription) Pin() irqcore.PinHandle { return s.pin }

func (s *Subscription) Config() irqcore.PinConfig {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.cfg
}

func (s *Subscription) State() State {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.state
}

// Unsubscribe detaches the handler from the hardware, then frees the callback.
// Once it returns no future interrupt on the pin reaches the callback. Calling
// it on a detached subscription reports a TeardownError and changes nothing.
func (s *Subscription) Unsubscribe() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.detachLocked(s)
}

// Close is Unsubscribe for deferred cleanup: an already detached subscription
// is not an error.
func (s *Subscription) Close() error {
	err := s.Unsubscribe()
	if errcode.Detail(err) == errcode.Detached {
		return nil
	}
	return err
}

// Resubscribe fully detaches, then re-arms the same pin with cfg. A nil fn
// keeps the current callback. If re-arming fails the subscription stays Detached.
func (s *Subscription) Resubscribe(cfg irqcore.PinConfig, fn func()) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.state != Armed {
		return errcode.Wrap(errcode.TeardownError, "resubscribe", errcode.Detached)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.m.detachLocked(s); err != nil {
		return err
	}
	s.cfg = cfg
	if fn != nil {
		s.fn = fn
	}
	if err := s.m.armLocked(s); err != nil {
		s.state = Detached
		return err
	}
	return nil
}
