// services/irq/irq.go
package irq

import (
	"context"

	"irqbridge/bus"
	"irqbridge/services/irq/internal/irqcore"
	"irqbridge/services/irq/internal/platform"
)

// Driver is the interrupt-controller collaborator a Service runs on.
type Driver = irqcore.Driver

// Run serves interrupt lines on the build's default driver until ctx is done:
// rp2 on Pico boards, periph.io on Linux hosts, a simulated driver elsewhere.
func Run(ctx context.Context, conn *bus.Connection, opts ...Option) {
	New(conn, platform.Default(), opts...).Run(ctx)
}
