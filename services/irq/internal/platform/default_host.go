// services/irq/internal/platform/default_host.go
//go:build !rp2040 && !rp2350 && !(linux && !tinygo)

package platform

import "irqbridge/services/irq/internal/irqcore"

// Default returns an in-memory driver on hosts without GPIO support.
func Default() irqcore.Driver { return NewFake() }
