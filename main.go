package main

import (
	"context"
	"time"

	"irqbridge/bus"
	"irqbridge/services/config"
	"irqbridge/services/heartbeat"
	"irqbridge/services/irq"
	"irqbridge/services/uplink"
	"irqbridge/types"
)

func printTopic(prefix string, t bus.Topic) {
	print(prefix, " ")
	for i := 0; i < t.Len(); i++ {
		if i > 0 {
			print("/")
		}
		if s, ok := t.At(i).(string); ok {
			print(s)
		} else {
			print("?")
		}
	}
	println()
}

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	println("[main] boot")

	ctx := config.WithDevice(context.Background(), "pico")

	b := bus.NewBus(8)

	go irq.Run(ctx, b.NewConnection("irq"), irq.WithFatal(func(err error) {
		// A handler the hardware may still call cannot be freed; halt here.
		println("[main] fatal:", err.Error())
		for {
			time.Sleep(time.Hour)
		}
	}))
	go uplink.Start(ctx, b.NewConnection("uplink"))
	_ = (&heartbeat.Service{}).Start(ctx, b.NewConnection("heartbeat"))

	ui := b.NewConnection("ui")
	states := ui.Subscribe(bus.T("irq", "state"))
	links := ui.Subscribe(bus.T("uplink", "state"))

	config.NewConfigService().Start(ctx, b.NewConnection("config"))

	for {
		select {
		case m := <-states.Channel():
			if st, ok := m.Payload.(types.IRQServiceState); ok {
				print("[main] irq ", st.Level, " ", st.Status, " lines=", st.Lines, " drops=", st.Drops)
				if st.Error != "" {
					print(" err=", st.Error)
				}
				println()
			}
		case m := <-links.Channel():
			printTopic("[main] <-", m.Topic)
		}
	}
}
