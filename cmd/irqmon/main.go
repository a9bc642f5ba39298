// Command irqmon arms one GPIO interrupt line on a Linux host (periph.io) and
// logs every edge delivered through the interrupt bridge.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"irqbridge/bus"
	"irqbridge/services/irq"
	"irqbridge/services/uplink"
	"irqbridge/types"
)

func main() {
	var (
		id     = flag.String("id", "line", "line id used in bus topics")
		pin    = flag.Int("pin", 17, "GPIO number (GPIO<n> in the periph registry)")
		edge   = flag.String("edge", "falling", "rising|falling|any")
		pull   = flag.String("pull", "up", "none|up|down")
		queue  = flag.Int("queue", 64, "interrupt queue capacity (rounded up to a power of two)")
		frames = flag.Bool("frames", false, "also write framed event records to stdout")
		debug  = flag.Bool("debug", false, "development logging")
	)
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		println("irqmon: logger:", err.Error())
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b := bus.NewBus(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		irq.Run(ctx, b.NewConnection("irq"), irq.WithFatal(func(err error) {
			logger.Fatal("interrupt handler could not be detached", zap.Error(err))
		}))
	}()

	mon := b.NewConnection("irqmon")
	states := mon.Subscribe(bus.T("irq", "state"))
	lineStates := mon.Subscribe(irq.LineTopic(*id, irq.TokState))
	events := mon.Subscribe(irq.LineTopic(*id, irq.TokEvent))

	if *frames {
		go uplink.Start(ctx, b.NewConnection("uplink"))
		mon.Publish(mon.NewMessage(bus.T("config", "uplink"),
			uplink.Config{Transport: uplink.TransportConfig{Type: "stdout"}}, true))
	}

	mon.Publish(mon.NewMessage(bus.T("config", "irq"), types.IRQConfig{
		QueueLen: *queue,
		Lines:    []types.IRQLine{{ID: *id, Pin: *pin, Edge: *edge, Pull: *pull}},
	}, true))

	log := logger.With(zap.String("line", *id), zap.Int("pin", *pin))
	for {
		select {
		case <-ctx.Done():
			log.Info("stopping")
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				log.Warn("irq service did not stop in time")
			}
			return

		case m := <-states.Channel():
			st, ok := m.Payload.(types.IRQServiceState)
			if !ok {
				continue
			}
			fields := []zap.Field{
				zap.String("level", st.Level),
				zap.String("status", st.Status),
				zap.Int("armed", st.Lines),
				zap.Uint32("drops", st.Drops),
			}
			if st.Error != "" {
				log.Error("irq service", append(fields, zap.String("error", st.Error))...)
			} else {
				log.Info("irq service", fields...)
			}

		case m := <-lineStates.Channel():
			st, ok := m.Payload.(types.IRQLineState)
			if !ok || st.Error == "" {
				continue
			}
			log.Warn("line degraded", zap.String("link", string(st.Link)), zap.String("error", st.Error))

		case m := <-events.Channel():
			ev, ok := m.Payload.(types.IRQEvent)
			if !ok {
				continue
			}
			log.Info("triggered",
				zap.String("edge", ev.Edge),
				zap.Uint32("seq", ev.Seq),
				zap.Uint32("count", ev.Count),
				zap.Uint32("lost", ev.Lost),
				zap.Time("ts", ev.TS))
		}
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	// Framed records may share stdout; keep logs on stderr.
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
