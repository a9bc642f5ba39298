// uplink/uplink.go
package uplink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"irqbridge/bus"
	"irqbridge/services/internal/util"
	"irqbridge/types"
	"irqbridge/x/timex"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

// Start runs the uplink service. It blocks until ctx is cancelled.
// It listens for JSON config on topic {"config","uplink"} and forwards every
// interrupt event over the configured link.
func Start(ctx context.Context, conn *bus.Connection) {
	s := &Service{
		conn:       conn,
		stateTopic: bus.Topic{"uplink", "state"},
	}
	s.run(ctx)
}

var topicEvents = bus.Topic{"irq", "line", "+", "event"}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is the JSON-encoded configuration expected on "config/uplink".
type Config struct {
	Transport TransportConfig `json:"transport"`
	PingMS    int             `json:"ping_ms,omitempty"` // idle ping period; 0 => 5 s
}

type TransportConfig struct {
	// "uart", "stdout", or a name registered via RegisterTransport.
	Type string      `json:"type"`
	UART *UARTConfig `json:"uart,omitempty"`
}

// UARTConfig carries enough information for an injected dialler to open the UART.
type UARTConfig struct {
	Port  int `json:"port"` // 0 or 1
	Baud  int `json:"baud"`
	TxPin int `json:"tx_pin"`
	RxPin int `json:"rx_pin"`
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn       *bus.Connection
	stateTopic bus.Topic

	mu     sync.Mutex
	curRun context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.Topic{"config", "uplink"})
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			var cfg Config
			if err := util.DecodeJSON(msg.Payload, &cfg); err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.stopCurrent()
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.curRun = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLink(ctx, cfg)
	}()
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	tr, err := newTransport(cfg.Transport)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}

	// Subscribe before dialling so events raised while the link comes up queue.
	evSub := s.conn.Subscribe(topicEvents)
	defer s.conn.Unsubscribe(evSub)

	ping := time.Duration(cfg.PingMS) * time.Millisecond
	if ping <= 0 {
		ping = 5 * time.Second
	}

	backoff := util.Backoff(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !util.Sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		err = s.handleLink(ctx, rwc, evSub, ping)
		_ = rwc.Close()
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !util.Sleep(ctx, delay) {
				return
			}
			continue
		}
		// Clean close: restart only on new config.
		s.publishState("idle", "link_closed", nil)
		return
	}
}

// handleLink owns the active link: events out, pings on idle, pongs back.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser, evSub *bus.Subscription, ping time.Duration) error {
	rd := newFramedReader(rwc)
	wr := newFramedWriter(rwc)

	// Reader
	errCh := make(chan error, 1)
	pongCh := make(chan struct{}, 1)
	go func() {
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			switch f.Type {
			case framePing:
				select {
				case pongCh <- struct{}{}:
				default:
				}
			case frameClose:
				errCh <- nil
				return
			default:
				// pong and unknown frames carry nothing for us
			}
		}
	}()

	idle := time.NewTimer(ping)
	defer idle.Stop()

	var buf [maxEventPayload]byte
	for {
		select {
		case <-ctx.Done():
			_ = wr.WriteFrame(Frame{Type: frameClose})
			return nil
		case err := <-errCh:
			return err
		case <-pongCh:
			if err := wr.WriteFrame(Frame{Type: framePong}); err != nil {
				return err
			}
		case m := <-evSub.Channel():
			ev, ok := m.Payload.(types.IRQEvent)
			if !ok {
				continue
			}
			if err := wr.WriteFrame(Frame{Type: frameEvent, Payload: EncodeEvent(buf[:0], ev)}); err != nil {
				return err
			}
			util.ResetTimer(idle, ping)
		case <-idle.C:
			if err := wr.WriteFrame(Frame{Type: framePing}); err != nil {
				return err
			}
			idle.Reset(ping)
		}
	}
}

// -----------------------------------------------------------------------------
// Transport registry
// -----------------------------------------------------------------------------

// Transport is a pluggable link dialler/owner.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type transportFactory func(TransportConfig) (Transport, error)

var (
	regMu     sync.RWMutex
	registry  = map[string]transportFactory{}
	errNoDial = errors.New("UARTDial not implemented")
)

// RegisterTransport allows external packages to add transports (eg. "tcp").
func RegisterTransport(name string, f transportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg TransportConfig) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "uart":
		if cfg.UART == nil {
			return nil, errors.New("uart transport requires uart config")
		}
		return &uartTransport{cfg: *cfg.UART}, nil
	case "stdout":
		return stdoutTransport{}, nil
	default:
		return nil, fmt.Errorf("unknown transport type: %q", cfg.Type)
	}
}

// UARTDial is injected by platform code (uart_rp2.go on Pico boards).
// It must open and return an io.ReadWriteCloser over the configured UART.
var UARTDial func(ctx context.Context, u UARTConfig) (io.ReadWriteCloser, error)

type uartTransport struct{ cfg UARTConfig }

func (u *uartTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if UARTDial == nil {
		return nil, errNoDial
	}
	return UARTDial(ctx, u.cfg)
}

func (u *uartTransport) String() string { return "uart" }

// stdoutTransport writes frames to the console; nothing is ever read back.
type stdoutTransport struct{}

func (stdoutTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	return &stdoutLink{done: make(chan struct{})}, nil
}

func (stdoutTransport) String() string { return "stdout" }

type stdoutLink struct {
	once sync.Once
	done chan struct{}
}

func (l *stdoutLink) Read(p []byte) (int, error) {
	<-l.done
	return 0, io.EOF
}

func (l *stdoutLink) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (l *stdoutLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// -----------------------------------------------------------------------------
// Framing
// -----------------------------------------------------------------------------

const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	frameEvent byte = 0x20
	frameClose byte = 0x7f
)

// Frame is a length-prefixed frame: type, then a big-endian 16-bit length.
type Frame struct {
	Type    byte
	Payload []byte
}

type framedReader struct{ r io.Reader }
type framedWriter struct{ w io.Writer }

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(binary.BigEndian.Uint16(hdr[1:]))
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: hdr[0], Payload: buf}, nil
}

func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > 0xFFFF {
		return fmt.Errorf("frame too large: %d", len(f.Payload))
	}
	// One write per frame: a UART peer must never see a split header.
	out := make([]byte, 3, 3+len(f.Payload))
	out[0] = f.Type
	binary.BigEndian.PutUint16(out[1:], uint16(len(f.Payload)))
	out = append(out, f.Payload...)
	_, err := fw.w.Write(out)
	return err
}

// -----------------------------------------------------------------------------
// Event record
// -----------------------------------------------------------------------------

// Event payload: pin u8, edge u8, seq u32, count u32, lost u32, ts_ms i64,
// id length u8, id bytes.
const (
	eventFixed      = 1 + 1 + 4 + 4 + 4 + 8 + 1
	maxLineID       = 255
	maxEventPayload = eventFixed + maxLineID
)

var edgeCodes = []string{"none", "rising", "falling", "any", "high", "low"}

func edgeCode(s string) byte {
	for i, e := range edgeCodes {
		if e == s {
			return byte(i)
		}
	}
	return 0
}

// EncodeEvent appends the wire record for ev to dst.
func EncodeEvent(dst []byte, ev types.IRQEvent) []byte {
	id := ev.Line
	if len(id) > maxLineID {
		id = id[:maxLineID]
	}
	dst = append(dst, byte(ev.Pin), edgeCode(ev.Edge))
	dst = binary.BigEndian.AppendUint32(dst, ev.Seq)
	dst = binary.BigEndian.AppendUint32(dst, ev.Count)
	dst = binary.BigEndian.AppendUint32(dst, ev.Lost)
	dst = binary.BigEndian.AppendUint64(dst, uint64(ev.TS.UnixMilli()))
	dst = append(dst, byte(len(id)))
	return append(dst, id...)
}

var errShortEvent = errors.New("short event record")

// DecodeEvent parses a record produced by EncodeEvent.
func DecodeEvent(p []byte) (types.IRQEvent, error) {
	if len(p) < eventFixed {
		return types.IRQEvent{}, errShortEvent
	}
	n := int(p[eventFixed-1])
	if len(p) < eventFixed+n {
		return types.IRQEvent{}, errShortEvent
	}
	ev := types.IRQEvent{
		Pin:   int(p[0]),
		Seq:   binary.BigEndian.Uint32(p[2:]),
		Count: binary.BigEndian.Uint32(p[6:]),
		Lost:  binary.BigEndian.Uint32(p[10:]),
		TS:    time.UnixMilli(int64(binary.BigEndian.Uint64(p[14:]))),
		Line:  string(p[eventFixed : eventFixed+n]),
	}
	if int(p[1]) < len(edgeCodes) {
		ev.Edge = edgeCodes[p[1]]
	}
	return ev, nil
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,  // "up", "degraded", "error", "idle"
		"status": status, // short machine string
		"ts_ms":  timex.NowMs(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, payload, true))
}
