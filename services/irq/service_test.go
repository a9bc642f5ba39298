package irq

import (
	"context"
	"sync"
	"testing"
	"time"

	"irqbridge/bus"
	"irqbridge/errcode"
	"irqbridge/services/irq/internal/irqcore"
	"irqbridge/services/irq/internal/platform"
	"irqbridge/types"
)

type harness struct {
	t    *testing.T
	drv  *platform.FakeDriver
	conn *bus.Connection
	stop func()
	done chan struct{}
}

func start(t *testing.T, opts ...Option) *harness {
	t.Helper()
	b := bus.NewBus(64)
	h := &harness{
		t:    t,
		drv:  platform.NewFake(),
		conn: b.NewConnection("irq_test"),
		done: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc := New(b.NewConnection("irq"), h.drv, opts...)
	go func() {
		defer close(h.done)
		svc.Run(ctx)
	}()
	h.stop = func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(time.Second):
			t.Fatal("service did not stop")
		}
	}
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

// configure publishes cfg retained and waits for the service to settle on level.
func (h *harness) configure(cfg string, level string) types.IRQServiceState {
	h.t.Helper()
	sub := h.conn.Subscribe(topicState)
	defer h.conn.Unsubscribe(sub)
	// Drain whatever is retained so the next state is ours.
	drain(sub)
	h.conn.Publish(h.conn.NewMessage(topicConfigIRQ, cfg, true))
	return waitState(h.t, sub, level)
}

func drain(sub *bus.Subscription) {
	for {
		select {
		case <-sub.Channel():
		case <-time.After(20 * time.Millisecond):
			return
		}
	}
}

func waitState(t *testing.T, sub *bus.Subscription, level string) types.IRQServiceState {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-sub.Channel():
			st, ok := m.Payload.(types.IRQServiceState)
			if ok && st.Level == level {
				return st
			}
		case <-deadline:
			t.Fatalf("timeout waiting for irq state %q", level)
		}
	}
}

func nextEvent(t *testing.T, sub *bus.Subscription) types.IRQEvent {
	t.Helper()
	select {
	case m := <-sub.Channel():
		ev, ok := m.Payload.(types.IRQEvent)
		if !ok {
			t.Fatalf("event payload %T", m.Payload)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for irq event")
	}
	return types.IRQEvent{}
}

func expectNoEvent(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case m := <-sub.Channel():
		t.Fatalf("unexpected event %+v", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) control(id, verb string, payload any) types.ControlReply {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	topic := LineTopic(id, TokControl).Append(verb)
	rep, err := h.conn.RequestWait(ctx, h.conn.NewMessage(topic, payload, false))
	if err != nil {
		h.t.Fatalf("%s %s: %v", id, verb, err)
	}
	r, ok := rep.Payload.(types.ControlReply)
	if !ok {
		h.t.Fatalf("reply payload %T", rep.Payload)
	}
	return r
}

// pulse drives a high-to-low transition.
func (h *harness) pulse(pin irqcore.PinHandle) {
	h.drv.Set(pin, true)
	h.drv.Set(pin, false)
}

func TestFallingEdgeOnPin35(t *testing.T) {
	h := start(t)
	h.configure(`{"lines":[{"id":"btn","pin":35,"edge":"falling","pull":"up"}]}`, "ready")

	if !h.drv.Attached(35) {
		t.Fatal("pin 35 has no handler")
	}
	if cfg := h.drv.Config(35); cfg.Trigger != irqcore.FallingEdge || cfg.Pull != irqcore.PullUp {
		t.Fatalf("pin 35 configured %+v", cfg)
	}

	ev := h.conn.Subscribe(LineTopic("btn", TokEvent))
	defer h.conn.Unsubscribe(ev)

	if h.drv.Set(35, true) {
		t.Fatal("rising transition fired a falling-edge line")
	}
	if !h.drv.Set(35, false) {
		t.Fatal("falling transition did not fire")
	}
	got := nextEvent(t, ev)
	if got.Line != "btn" || got.Pin != 35 || got.Edge != "falling" || got.Seq != 1 || got.Count != 1 {
		t.Fatalf("event = %+v", got)
	}

	h.pulse(35)
	h.pulse(35)
	for want := uint32(2); want <= 3; want++ {
		if got := nextEvent(t, ev); got.Seq != want || got.Lost != 0 {
			t.Fatalf("event %d = %+v", want, got)
		}
	}

	r := h.control("btn", CtrlStats, nil)
	if !r.OK || r.State == nil || r.State.Count != 3 || r.State.LastSeq != 3 || !r.State.Armed {
		t.Fatalf("stats = %+v (%+v)", r, r.State)
	}
}

func TestDisarmAndRearmOverBus(t *testing.T) {
	h := start(t)
	h.configure(`{"lines":[{"id":"btn","pin":4,"edge":"falling"}]}`, "ready")
	ev := h.conn.Subscribe(LineTopic("btn", TokEvent))
	defer h.conn.Unsubscribe(ev)

	r := h.control("btn", CtrlDisarm, nil)
	if !r.OK || r.State.Armed || r.State.Link != types.LinkDown {
		t.Fatalf("disarm = %+v (%+v)", r, r.State)
	}
	if h.drv.Attached(4) {
		t.Fatal("handler still attached after disarm")
	}
	h.pulse(4)
	expectNoEvent(t, ev)

	if r := h.control("btn", CtrlDisarm, nil); r.OK || r.Error != string(errcode.Detached) {
		t.Fatalf("second disarm = %+v", r)
	}

	r = h.control("btn", CtrlRearm, `{"edge":"rising"}`)
	if !r.OK || !r.State.Armed || r.State.Edge != "rising" {
		t.Fatalf("rearm = %+v (%+v)", r, r.State)
	}
	if !h.drv.Set(4, true) {
		t.Fatal("rising edge did not fire after rearm")
	}
	if got := nextEvent(t, ev); got.Edge != "rising" || got.Seq != 1 {
		t.Fatalf("event after rearm = %+v", got)
	}
	if h.drv.Set(4, false) {
		t.Fatal("old falling trigger still active")
	}

	// Rearm while armed switches trigger in place.
	r = h.control("btn", CtrlRearm, types.IRQRearm{Edge: "any"})
	if !r.OK || r.State.Edge != "any" {
		t.Fatalf("rearm armed = %+v", r)
	}
	if h.drv.Config(4).Trigger != irqcore.AnyEdge {
		t.Fatalf("trigger = %v", h.drv.Config(4).Trigger)
	}
}

func TestControlErrors(t *testing.T) {
	h := start(t)
	h.configure(`{"lines":[{"id":"btn","pin":4,"edge":"falling"}]}`, "ready")

	if r := h.control("nope", CtrlStats, nil); r.OK || r.Error != string(errcode.InvalidTopic) {
		t.Fatalf("unknown line = %+v", r)
	}
	if r := h.control("btn", "explode", nil); r.OK || r.Error != string(errcode.Unsupported) {
		t.Fatalf("unknown verb = %+v", r)
	}
	if r := h.control("btn", CtrlRearm, `{"edge":"sideways"}`); r.OK || r.Error != string(errcode.ConfigurationError) {
		t.Fatalf("bad edge = %+v", r)
	}
	if !h.drv.Attached(4) {
		t.Fatal("rejected rearm disturbed the armed line")
	}
}

func TestReconcileConfig(t *testing.T) {
	h := start(t)
	h.configure(`{"lines":[
		{"id":"a","pin":1,"edge":"falling"},
		{"id":"b","pin":2,"edge":"rising"}
	]}`, "ready")
	if !h.drv.Attached(1) || !h.drv.Attached(2) {
		t.Fatal("lines not armed")
	}

	stateB := h.conn.Subscribe(LineTopic("b", TokState))
	defer h.conn.Unsubscribe(stateB)
	drain(stateB)

	// a moves to pin 3, b is removed, c is new and b's old pin is reused.
	st := h.configure(`{"lines":[
		{"id":"a","pin":3,"edge":"falling"},
		{"id":"c","pin":2,"edge":"any"}
	]}`, "ready")
	if st.Lines != 2 {
		t.Fatalf("armed lines = %d", st.Lines)
	}
	if h.drv.Attached(1) || !h.drv.Attached(3) || !h.drv.Attached(2) {
		t.Fatal("pins not reconciled")
	}
	if h.drv.Config(2).Trigger != irqcore.AnyEdge {
		t.Fatal("pin 2 kept the removed line's trigger")
	}

	select {
	case m := <-stateB.Channel():
		if ls, ok := m.Payload.(types.IRQLineState); !ok || ls.Link != types.LinkDown || ls.Armed {
			t.Fatalf("removed line state = %+v", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no state for removed line")
	}

	// Changing only the edge re-arms in place.
	h.configure(`{"lines":[
		{"id":"a","pin":3,"edge":"rising"},
		{"id":"c","pin":2,"edge":"any"}
	]}`, "ready")
	if h.drv.Config(3).Trigger != irqcore.RisingEdge {
		t.Fatal("edge change not applied")
	}
}

func TestBadLinesDegradeButOthersArm(t *testing.T) {
	h := start(t)
	st := h.configure(`{"lines":[
		{"id":"ok","pin":5,"edge":"falling"},
		{"id":"bad","pin":6,"edge":"sideways"},
		{"id":"dup","pin":5,"edge":"rising"}
	]}`, "degraded")
	if st.Error == "" || st.Lines != 1 {
		t.Fatalf("state = %+v", st)
	}
	if !h.drv.Attached(5) || h.drv.Config(5).Trigger != irqcore.FallingEdge {
		t.Fatal("valid line not armed")
	}
}

func TestQueueLenChangeKeepsLinesArmed(t *testing.T) {
	h := start(t, WithQueueLen(8))
	h.configure(`{"lines":[{"id":"btn","pin":7,"edge":"falling"}]}`, "ready")
	ev := h.conn.Subscribe(LineTopic("btn", TokEvent))
	defer h.conn.Unsubscribe(ev)

	h.pulse(7)
	if got := nextEvent(t, ev); got.Seq != 1 {
		t.Fatalf("event = %+v", got)
	}

	h.configure(`{"queue_len":128,"lines":[{"id":"btn","pin":7,"edge":"falling"}]}`, "ready")
	if !h.drv.Attached(7) {
		t.Fatal("line not re-armed after queue swap")
	}
	h.pulse(7)
	if got := nextEvent(t, ev); got.Seq != 2 || got.Count != 2 {
		t.Fatalf("event after swap = %+v", got)
	}
}

func TestOverflowShowsUpAsLost(t *testing.T) {
	h := start(t, WithQueueLen(2))

	// Detaching pin 2 parks the service goroutine until release closes.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.drv.OnDetach = func(pin irqcore.PinHandle, _ uintptr) {
		if pin != 2 {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	h.configure(`{"lines":[
		{"id":"btn","pin":1,"edge":"falling"},
		{"id":"aux","pin":2,"edge":"falling"}
	]}`, "ready")

	ev := h.conn.Subscribe(LineTopic("btn", TokEvent))
	defer h.conn.Unsubscribe(ev)

	disarmed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := h.conn.RequestWait(ctx, h.conn.NewMessage(LineTopic("aux", TokControl).Append(CtrlDisarm), nil, false))
		disarmed <- err
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("disarm never reached the driver")
	}

	const fired = 20
	for i := 0; i < fired; i++ {
		h.pulse(1)
	}
	close(release)
	if err := <-disarmed; err != nil {
		t.Fatalf("disarm aux: %v", err)
	}

	// One more edge once the queue has room again closes any trailing gap.
	h.pulse(1)
	var last types.IRQEvent
	for last.Seq != fired+1 {
		last = nextEvent(t, ev)
	}
	if last.Count+last.Lost != fired+1 || last.Lost < fired-6 {
		t.Fatalf("last event = %+v", last)
	}

	r := h.control("btn", CtrlStats, nil)
	if !r.OK || r.State.Lost != last.Lost || r.State.Count != last.Count || r.State.LastSeq != fired+1 {
		t.Fatalf("stats = %+v (%+v)", r, r.State)
	}

	st := h.conn.Subscribe(topicState)
	defer h.conn.Unsubscribe(st)
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-st.Channel():
			if ss, ok := m.Payload.(types.IRQServiceState); ok && ss.Drops >= last.Lost {
				if ss.Level != "ready" {
					t.Fatalf("drop report changed level: %+v", ss)
				}
				return
			}
		case <-deadline:
			t.Fatal("service state never reported the drops")
		}
	}
}

func TestISRFlagsReachDriver(t *testing.T) {
	h := start(t, WithISRFlags(3))
	h.configure(`{"lines":[]}`, "ready")
	for _, op := range h.drv.Ops() {
		if op.Kind == "install" {
			if op.Flags != 3 {
				t.Fatalf("install flags = %d", op.Flags)
			}
			return
		}
	}
	t.Fatal("ISR service never installed")
}

func TestShutdownDetachesEverything(t *testing.T) {
	h := start(t)
	h.configure(`{"lines":[{"id":"a","pin":1,"edge":"falling"},{"id":"b","pin":2,"edge":"rising"}]}`, "ready")

	sub := h.conn.Subscribe(topicState)
	defer h.conn.Unsubscribe(sub)
	h.stop()

	if h.drv.Attached(1) || h.drv.Attached(2) {
		t.Fatal("handlers left attached after shutdown")
	}
	if h.drv.Fire(1) || h.drv.Fire(2) {
		t.Fatal("interrupt reached a callback after shutdown")
	}
	waitState(t, sub, "stopped")
}
