// uplink/uplink_test.go
package uplink

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"irqbridge/bus"
	"irqbridge/types"
)

func TestUplink_ForwardsEventsOverUART(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("uplink_test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn)

	stateSub := conn.Subscribe(bus.Topic{"uplink", "state"})
	defer conn.Unsubscribe(stateSub)
	assertLevelStatus(t, nextStatePayload(t, stateSub, 500*time.Millisecond), "idle", "awaiting_config")

	prevDial := UARTDial
	defer func() { UARTDial = prevDial }()
	remoteCh := make(chan net.Conn, 1)
	UARTDial = func(ctx context.Context, u UARTConfig) (io.ReadWriteCloser, error) {
		if u.Port != 0 || u.Baud != 115200 {
			t.Errorf("dial config = %+v", u)
		}
		lc, rc := net.Pipe()
		select {
		case remoteCh <- rc:
		default:
		}
		return lc, nil
	}

	cfg := `{"transport":{"type":"uart","uart":{"port":0,"baud":115200,"tx_pin":0,"rx_pin":1}},"ping_ms":60000}`
	conn.Publish(conn.NewMessage(bus.Topic{"config", "uplink"}, cfg, false))
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "up", "link_established")

	var remote net.Conn
	select {
	case remote = <-remoteCh:
	case <-time.After(time.Second):
		t.Fatal("no dial")
	}
	rd := newFramedReader(remote)
	wr := newFramedWriter(remote)

	ts := time.UnixMilli(1_700_000_000_123)
	conn.Publish(conn.NewMessage(bus.Topic{"irq", "line", "btn", "event"}, types.IRQEvent{
		Line: "btn", Pin: 35, Edge: "falling", Seq: 7, Count: 6, Lost: 1, TS: ts,
	}, false))

	f := readFrame(t, remote, rd)
	if f.Type != frameEvent {
		t.Fatalf("frame type 0x%02x", f.Type)
	}
	ev, err := DecodeEvent(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Line != "btn" || ev.Pin != 35 || ev.Edge != "falling" || ev.Seq != 7 ||
		ev.Count != 6 || ev.Lost != 1 || !ev.TS.Equal(ts) {
		t.Fatalf("event = %+v", ev)
	}

	// Ping from the peer is answered.
	go func() { _ = wr.WriteFrame(Frame{Type: framePing}) }()
	if f := readFrame(t, remote, rd); f.Type != framePong {
		t.Fatalf("reply to ping: 0x%02x", f.Type)
	}

	// Losing the peer degrades the link.
	_ = remote.Close()
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "degraded", "link_lost_retrying")
}

func TestUplink_PingsWhenIdle(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("uplink_ping")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn)

	// The config is not retained: publish it only once the service listens.
	stateSub := conn.Subscribe(bus.Topic{"uplink", "state"})
	defer conn.Unsubscribe(stateSub)
	assertLevelStatus(t, nextStatePayload(t, stateSub, 500*time.Millisecond), "idle", "awaiting_config")

	prevDial := UARTDial
	defer func() { UARTDial = prevDial }()
	remoteCh := make(chan net.Conn, 1)
	UARTDial = func(context.Context, UARTConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		select {
		case remoteCh <- rc:
		default:
		}
		return lc, nil
	}
	conn.Publish(conn.NewMessage(bus.Topic{"config", "uplink"},
		map[string]any{"transport": map[string]any{"type": "uart", "uart": map[string]any{"port": 1}}, "ping_ms": 20}, false))

	var remote net.Conn
	select {
	case remote = <-remoteCh:
	case <-time.After(time.Second):
		t.Fatal("no dial")
	}
	defer remote.Close()
	if f := readFrame(t, remote, newFramedReader(remote)); f.Type != framePing {
		t.Fatalf("idle frame 0x%02x", f.Type)
	}
}

func TestUplink_UnknownTransportYieldsErrorState(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("uplink_test_bad")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn)

	stateSub := conn.Subscribe(bus.Topic{"uplink", "state"})
	defer conn.Unsubscribe(stateSub)

	_ = nextStatePayload(t, stateSub, 500*time.Millisecond) // initial awaiting_config

	conn.Publish(conn.NewMessage(bus.Topic{"config", "uplink"}, `{"transport":{"type":"bogus"}}`, false))
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "error", "transport_init_failed")
}

func TestEventRecordRejectsShortInput(t *testing.T) {
	rec := EncodeEvent(nil, types.IRQEvent{Line: "x", Edge: "rising"})
	if _, err := DecodeEvent(rec[:len(rec)-1]); err == nil {
		t.Fatal("truncated id accepted")
	}
	if _, err := DecodeEvent(rec[:5]); err == nil {
		t.Fatal("truncated header accepted")
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func readFrame(t *testing.T, c net.Conn, rd *framedReader) Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	f, err := rd.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func nextStatePayload(t *testing.T, sub *bus.Subscription, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case m := <-sub.Channel():
		p, ok := m.Payload.(map[string]any)
		if !ok {
			t.Fatalf("state payload type %T", m.Payload)
		}
		return p
	case <-time.After(timeout):
		t.Fatal("timeout waiting for uplink state")
	}
	return nil
}

func assertLevelStatus(t *testing.T, p map[string]any, level, status string) {
	t.Helper()
	if p["level"] != level || p["status"] != status {
		t.Fatalf("state = %v, want %s/%s", p, level, status)
	}
}
