package heartbeat

import (
	"context"
	"sort"
	"time"

	"irqbridge/bus"
	"irqbridge/services/internal/util"
	"irqbridge/types"
	"irqbridge/x/conv"
)

var (
	topicConfigHeartbeat = bus.Topic{"config", "heartbeat"}
	topicLineState       = bus.Topic{"irq", "line", "+", "state"}
)

type Service struct {
	// Report receives each output line; nil prints to the console.
	Report func(line string)

	last map[string]uint32 // line id -> count at the previous tick
	now  map[string]types.IRQLineState
}

type heartbeatConfig struct {
	Interval float64 `json:"interval"` // seconds
}

func (s *Service) report(line string) {
	if s.Report != nil {
		s.Report(line)
		return
	}
	println(line)
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)
	stSub := conn.Subscribe(topicLineState)
	defer conn.Unsubscribe(stSub)

	s.last = map[string]uint32{}
	s.now = map[string]types.IRQLineState{}

	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()

	// loop until context is cancelled, respond to tick, line state and config changes
	for {
		select {
		case <-ctx.Done():
			s.report("Info: heartbeat service stopping")
			return
		case t := <-tick.C:
			s.report("Info: " + t.Format("15:04:05") + " Heartbeat")
			for _, l := range s.triggered() {
				s.report(l)
			}
		case msg := <-stSub.Channel():
			id, _ := msg.Topic.At(2).(string)
			if st, ok := msg.Payload.(types.IRQLineState); ok && id != "" {
				s.now[id] = st
			}
		case msg := <-cfgSub.Channel():
			var cfg heartbeatConfig
			if err := util.DecodeJSON(msg.Payload, &cfg); err != nil || cfg.Interval <= 0 {
				s.report("Warn: heartbeat config ignored")
				continue
			}
			iv := util.ClampDuration(time.Duration(cfg.Interval*float64(time.Second)), 100*time.Millisecond, time.Hour)
			tick.Reset(iv)
			s.report("Info: Heartbeat interval set to " + iv.String())
		}
	}
}

// triggered lists the lines whose interrupt count advanced since the last
// call, in line order.
func (s *Service) triggered() []string {
	ids := make([]string, 0, len(s.now))
	for id := range s.now {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []string
	var buf [20]byte
	for _, id := range ids {
		st := s.now[id]
		prev := s.last[id]
		s.last[id] = st.Count
		if st.Count == prev {
			continue
		}
		// Each conversion reuses buf, so materialise it before the next one.
		pin := string(conv.Itoa(buf[:], int64(st.Pin)))
		n := string(conv.Utoa(buf[:], uint64(st.Count-prev)))
		line := "Triggered " + id + " pin " + pin + " (" + st.Edge + ") x" + n
		if st.Lost > 0 {
			line += " lost " + string(conv.Utoa(buf[:], uint64(st.Lost)))
		}
		out = append(out, line)
	}
	return out
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
