package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Failure classes. Every error returned by the interrupt core carries one.
const (
	ConfigurationError Code = "configuration_error" // invalid pin/mode/trigger or driver refused config
	RegistrationError  Code = "registration_error"  // ISR table full, conflicting registration, not installed
	TeardownError      Code = "teardown_error"      // detach on a line with no live registration
	PostError          Code = "post_error"          // bridge queue full or not started
)

// Detail codes (short, stable).
const (
	OK               Code = "ok"
	Busy             Code = "busy"
	Unsupported      Code = "unsupported"
	InvalidParams    Code = "invalid_params"
	InvalidPayload   Code = "invalid_payload"
	InvalidTopic     Code = "invalid_topic"
	UnknownPin       Code = "unknown_pin"
	PinInUse         Code = "pin_in_use"
	QueueFull        Code = "queue_full"
	NotReady         Code = "not_ready"
	NotInstalled     Code = "not_installed"
	AlreadyInstalled Code = "already_installed"
	Detached         Code = "detached"
	TableFull        Code = "table_full"
	Timeout          Code = "timeout"

	Error Code = "error" // generic fallback
)

// E keeps a failure class together with the failing step and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s += " [" + e.Op + "]"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is reports a match against the failure class, so errors.Is(err, ConfigurationError)
// holds for any *E carrying that class.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New builds an *E without a cause.
func New(c Code, op, msg string) *E { return &E{C: c, Op: op, Msg: msg} }

// Wrap builds an *E around cause. A nil cause still yields an error.
func Wrap(c Code, op string, cause error) *E { return &E{C: c, Op: op, Err: cause} }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// Detail returns the most specific Code found along the cause chain:
// the innermost Code or coder, falling back to Of(err).
func Detail(err error) Code {
	out := Of(err)
	for err != nil {
		switch v := err.(type) {
		case Code:
			return v
		case *E:
			if v.Err == nil {
				return v.C
			}
			out = v.C
			err = v.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return out
}

// OpOf returns the failing step recorded by the outermost *E, or "".
func OpOf(err error) string {
	if e, ok := err.(*E); ok {
		return e.Op
	}
	return ""
}
