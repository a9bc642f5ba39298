// services/irq/service.go
package irq

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"irqbridge/bus"
	"irqbridge/errcode"
	"irqbridge/services/internal/util"
	"irqbridge/services/irq/bridge"
	"irqbridge/services/irq/internal/irqcore"
	"irqbridge/services/irq/internal/pinsub"
	"irqbridge/types"
	"irqbridge/x/timex"
)

// Topic tokens
const (
	TokConfig  = "config"
	TokIRQ     = "irq"
	TokLine    = "line"
	TokState   = "state"
	TokEvent   = "event"
	TokControl = "control"
)

// Control verbs
const (
	CtrlStats  = "stats"
	CtrlDisarm = "disarm"
	CtrlRearm  = "rearm"
)

var (
	topicConfigIRQ = bus.Topic{TokConfig, TokIRQ}
	topicCtrl      = bus.Topic{TokIRQ, TokLine, "+", TokControl, "+"}
	topicState     = bus.Topic{TokIRQ, TokState}
)

// LineTopic returns irq/line/<id>/<suffix>.
func LineTopic(id, suffix string) bus.Topic { return bus.Topic{TokIRQ, TokLine, id, suffix} }

type line struct {
	cfg   types.IRQLine
	pin   irqcore.PinHandle
	pc    irqcore.PinConfig
	epoch uint32
	seq   atomic.Uint32 // advanced in interrupt context

	sub  *pinsub.Subscription
	held bool // disarmed on request; reconcile leaves it alone

	count   uint32
	lastSeq uint32
	lost    uint32
	err     error
}

// Service owns the interrupt lines named in config/irq and republishes their
// events on the bus. All line state is confined to the Run goroutine.
type Service struct {
	conn *bus.Connection
	drv  irqcore.Driver
	mgr  *pinsub.Manager

	queueLen int
	isrFlags uint32
	fatal    func(error)
	br       *bridge.Bridge
	brCancel context.CancelFunc
	events   chan bridge.Message

	level, status string
	lastErr       error

	lines     map[string]*line
	byPin     map[irqcore.PinHandle]*line
	nextEpoch uint32
}

type Option func(*Service)

// WithQueueLen sets the bridge capacity used until config says otherwise.
func WithQueueLen(n int) Option { return func(s *Service) { s.queueLen = n } }

// WithISRFlags sets the flags handed to the driver when the ISR service is
// installed (interrupt priority on hardware that has one).
func WithISRFlags(f uint32) Option { return func(s *Service) { s.isrFlags = f } }

// WithFatal replaces the handler for an unconfirmed hardware detach.
func WithFatal(fn func(error)) Option { return func(s *Service) { s.fatal = fn } }

func New(conn *bus.Connection, drv Driver, opts ...Option) *Service {
	s := &Service{
		conn:     conn,
		drv:      drv,
		queueLen: bridge.DefaultCapacity,
		lines:    map[string]*line{},
		byPin:    map[irqcore.PinHandle]*line{},
	}
	for _, o := range opts {
		o(s)
	}
	po := []pinsub.Option{pinsub.WithPriorityFlags(s.isrFlags)}
	if s.fatal != nil {
		po = append(po, pinsub.WithFatal(s.fatal))
	}
	s.mgr = pinsub.NewManager(drv, po...)
	return s
}

// Run blocks until ctx is cancelled, then detaches every line.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfigIRQ)
	ctrlSub := s.conn.Subscribe(topicCtrl)
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	if err := s.mgr.Install(); err != nil {
		s.publishState("error", "install_failed", err)
		<-ctx.Done()
		return
	}
	s.startBridge(ctx, s.queueLen)
	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			s.publishState("stopped", "context_cancelled", nil)
			return

		case msg := <-cfgSub.Channel():
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			if err := s.applyConfig(ctx, cfg); err != nil {
				s.publishState("degraded", "lines_failed", err)
				continue
			}
			s.publishState("ready", "configured", nil)

		case msg := <-ctrlSub.Channel():
			s.handleControl(msg)

		case m := <-s.events:
			s.handleEvent(m)
		}
	}
}

func decodeConfig(p any) (types.IRQConfig, error) {
	if cfg, ok := p.(types.IRQConfig); ok {
		return cfg, nil
	}
	var cfg types.IRQConfig
	if err := util.DecodeJSON(p, &cfg); err != nil {
		return cfg, errcode.Wrap(errcode.ConfigurationError, "decode", err)
	}
	return cfg, nil
}

// ---- bridge ----

// startBridge replaces the bridge with one of capacity n. Lines still armed
// against the old bridge must be detached first.
func (s *Service) startBridge(parent context.Context, n int) {
	s.stopBridge()
	ctx, cancel := context.WithCancel(parent)
	br := bridge.New(n)
	events := make(chan bridge.Message, br.Cap())
	br.Subscribe(func(m *bridge.Message) {
		select {
		case events <- *m:
		case <-ctx.Done():
		}
	})
	br.Start(ctx)
	s.br, s.brCancel, s.events = br, cancel, events
}

func (s *Service) stopBridge() {
	if s.brCancel == nil {
		return
	}
	s.brCancel()
	<-s.br.Done()
	s.brCancel = nil
	for {
		select {
		case m := <-s.events:
			s.handleEvent(m)
		default:
			return
		}
	}
}

// isr builds the interrupt-context callback for l: it stamps the next
// sequence number and posts. A full queue loses the event; the gap in Seq
// reveals it.
func (s *Service) isr(l *line) func() {
	snd := s.br.Sender()
	pin, edge, epoch := uint8(l.pin), uint8(l.pc.Trigger), l.epoch
	return func() {
		_ = snd.Post(bridge.Message{
			Tag:  bridge.TagInterrupt,
			Pin:  pin,
			Edge: edge,
			Seq:  l.seq.Add(1),
			Aux:  epoch,
		})
	}
}

func (s *Service) handleEvent(m bridge.Message) {
	switch m.Tag {
	case bridge.TagInterrupt:
	case bridge.TagError:
		// The bridge shed events; republish so the drop count is visible.
		s.publishState(s.level, s.status, s.lastErr)
		return
	default:
		return
	}
	l, ok := s.byPin[irqcore.PinHandle(m.Pin)]
	if !ok || l.epoch != m.Aux {
		return // raised by a line that has since been replaced
	}
	if m.Seq > l.lastSeq+1 {
		l.lost += m.Seq - l.lastSeq - 1
	}
	if m.Seq > l.lastSeq {
		l.lastSeq = m.Seq
	}
	l.count++

	now := time.Now()
	s.conn.Publish(s.conn.NewMessage(LineTopic(l.cfg.ID, TokEvent), types.IRQEvent{
		Line:  l.cfg.ID,
		Pin:   int(l.pin),
		Edge:  irqcore.TriggerEdge(m.Edge).String(),
		Seq:   m.Seq,
		Count: l.count,
		Lost:  l.lost,
		TS:    now,
	}, false))
	s.pubLineState(l)
}

// ---- configuration ----

func (s *Service) applyConfig(ctx context.Context, cfg types.IRQConfig) error {
	n := cfg.QueueLen
	if n <= 0 {
		n = s.queueLen
	}
	if n = bridge.Capacity(n); s.br == nil || n != s.br.Cap() {
		// Armed callbacks hold the old sender: detach, swap, re-arm below.
		for _, l := range s.lines {
			s.disarm(l)
		}
		s.startBridge(ctx, n)
		s.queueLen = n
	}

	var errs error
	seen := map[string]struct{}{}
	want := make([]*line, 0, len(cfg.Lines))
	for _, lc := range cfg.Lines {
		nl, err := parseLine(lc)
		if err == nil {
			if _, dup := seen[lc.ID]; dup {
				err = errcode.New(errcode.ConfigurationError, "validate", "duplicate line "+lc.ID)
			}
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			if lc.ID != "" {
				s.conn.Publish(s.conn.NewMessage(LineTopic(lc.ID, TokState), types.IRQLineState{
					Link: types.LinkDown, Pin: lc.Pin, Edge: lc.Edge, Pull: lc.Pull,
					Error: err.Error(), TS: timex.NowMs(),
				}, true))
			}
			continue
		}
		seen[lc.ID] = struct{}{}
		want = append(want, nl)
	}

	// Removed lines, and lines whose pin moved, release their pins first.
	for id, l := range s.lines {
		_, keep := seen[id]
		if keep {
			for _, nl := range want {
				if nl.cfg.ID == id && nl.pin != l.pin {
					keep = false
				}
			}
		}
		if !keep {
			s.remove(l)
		}
	}

	for _, nl := range want {
		l, ok := s.lines[nl.cfg.ID]
		if !ok {
			s.nextEpoch++
			nl.epoch = s.nextEpoch
			s.lines[nl.cfg.ID] = nl
			errs = multierr.Append(errs, s.arm(nl))
			continue
		}
		changed := l.pc != nl.pc
		l.cfg, l.pc = nl.cfg, nl.pc
		switch {
		case l.held:
			s.pubLineState(l)
		case l.sub == nil:
			errs = multierr.Append(errs, s.arm(l))
		case changed:
			errs = multierr.Append(errs, s.rearm(l))
		}
	}
	return errs
}

func parseLine(lc types.IRQLine) (*line, error) {
	if lc.ID == "" {
		return nil, errcode.New(errcode.ConfigurationError, "validate", "line without id")
	}
	if lc.Pin < 0 || lc.Pin >= irqcore.MaxPins {
		return nil, errcode.Wrap(errcode.ConfigurationError, "validate", errcode.UnknownPin)
	}
	trig, err := irqcore.ParseTrigger(lc.Edge)
	if err != nil {
		return nil, err
	}
	pull, err := irqcore.ParsePull(lc.Pull)
	if err != nil {
		return nil, err
	}
	lc.Edge, lc.Pull = trig.String(), pull.String()
	return &line{
		cfg: lc,
		pin: irqcore.PinHandle(lc.Pin),
		pc:  irqcore.PinConfig{Pull: pull, Trigger: trig},
	}, nil
}

// ---- line lifecycle ----

func (s *Service) arm(l *line) error {
	sub, err := s.mgr.Subscribe(l.pin, l.pc, s.isr(l))
	l.sub, l.err = sub, err
	if err == nil {
		s.byPin[l.pin] = l
	}
	s.pubLineState(l)
	if err != nil {
		println("[irq] arm", l.cfg.ID, "failed:", err.Error())
	}
	return err
}

func (s *Service) rearm(l *line) error {
	err := l.sub.Resubscribe(l.pc, s.isr(l))
	if err != nil && l.sub.State() == pinsub.Detached {
		l.sub = nil
	}
	l.err = err
	s.pubLineState(l)
	return err
}

func (s *Service) disarm(l *line) error {
	if l.sub == nil {
		return errcode.Wrap(errcode.TeardownError, "disarm", errcode.Detached)
	}
	err := l.sub.Unsubscribe()
	if l.sub.State() == pinsub.Detached {
		l.sub = nil
	}
	l.err = err
	return err
}

func (s *Service) remove(l *line) {
	_ = s.disarm(l)
	delete(s.lines, l.cfg.ID)
	if s.byPin[l.pin] == l {
		delete(s.byPin, l.pin)
	}
	s.conn.Publish(s.conn.NewMessage(LineTopic(l.cfg.ID, TokState), types.IRQLineState{
		Link: types.LinkDown, Pin: int(l.pin), Edge: l.cfg.Edge, Pull: l.cfg.Pull,
		Count: l.count, LastSeq: l.lastSeq, Lost: l.lost, TS: timex.NowMs(),
	}, true))
}

func (s *Service) shutdown() {
	for _, l := range s.lines {
		s.disarm(l)
		s.pubLineState(l)
	}
	if err := s.mgr.Close(); err != nil {
		println("[irq] close:", err.Error())
	}
	s.stopBridge()
}

// ---- control ----

func (s *Service) handleControl(msg *bus.Message) {
	if msg.Topic.Len() < 5 {
		s.replyErr(msg, errcode.InvalidTopic)
		return
	}
	id, _ := msg.Topic.At(2).(string)
	verb, _ := msg.Topic.At(4).(string)
	l, ok := s.lines[id]
	if !ok {
		s.replyErr(msg, errcode.InvalidTopic)
		return
	}

	var err error
	switch verb {
	case CtrlStats:
	case CtrlDisarm:
		if err = s.disarm(l); err == nil {
			l.held = true
		}
		s.pubLineState(l)
	case CtrlRearm:
		err = s.controlRearm(l, msg.Payload)
	default:
		s.replyErr(msg, errcode.Unsupported)
		return
	}
	if err != nil {
		s.replyErr(msg, errcode.Detail(err))
		return
	}
	st := s.lineState(l)
	s.conn.Reply(msg, types.ControlReply{OK: true, State: &st}, false)
}

func (s *Service) controlRearm(l *line, payload any) error {
	var req types.IRQRearm
	switch p := payload.(type) {
	case nil:
	case types.IRQRearm:
		req = p
	default:
		if err := util.DecodeJSON(p, &req); err != nil {
			return errcode.Wrap(errcode.ConfigurationError, "rearm", errcode.InvalidPayload)
		}
	}
	pc := l.pc
	if req.Edge != "" {
		t, err := irqcore.ParseTrigger(req.Edge)
		if err != nil {
			return err
		}
		pc.Trigger = t
	}
	if req.Pull != "" {
		p, err := irqcore.ParsePull(req.Pull)
		if err != nil {
			return err
		}
		pc.Pull = p
	}
	l.pc = pc
	l.cfg.Edge, l.cfg.Pull = pc.Trigger.String(), pc.Pull.String()
	l.held = false
	if l.sub != nil {
		return s.rearm(l)
	}
	return s.arm(l)
}

// ---- publishing ----

func (s *Service) lineState(l *line) types.IRQLineState {
	st := types.IRQLineState{
		Link:    types.LinkUp,
		Armed:   l.sub != nil && l.sub.State() == pinsub.Armed,
		Pin:     int(l.pin),
		Edge:    l.cfg.Edge,
		Pull:    l.cfg.Pull,
		Count:   l.count,
		LastSeq: l.lastSeq,
		Lost:    l.lost,
		TS:      timex.NowMs(),
	}
	switch {
	case l.err != nil:
		st.Link = types.LinkDegraded
		st.Error = l.err.Error()
	case !st.Armed:
		st.Link = types.LinkDown
	}
	return st
}

func (s *Service) pubLineState(l *line) {
	s.conn.Publish(s.conn.NewMessage(LineTopic(l.cfg.ID, TokState), s.lineState(l), true))
}

func (s *Service) armedCount() int {
	n := 0
	for _, l := range s.lines {
		if l.sub != nil && l.sub.State() == pinsub.Armed {
			n++
		}
	}
	return n
}

func (s *Service) publishState(level, status string, err error) {
	s.level, s.status, s.lastErr = level, status, err
	pl := types.IRQServiceState{
		Level:  level,
		Status: status,
		Lines:  s.armedCount(),
		TS:     timex.NowMs(),
	}
	if s.br != nil {
		pl.Drops = s.br.Drops()
	}
	if err != nil {
		pl.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(topicState, pl, true))
}

func (s *Service) replyErr(req *bus.Message, code errcode.Code) {
	if len(req.ReplyTo) == 0 {
		return
	}
	if code == "" {
		code = errcode.Error
	}
	s.conn.Reply(req, types.ControlReply{OK: false, Error: string(code)}, false)
}
