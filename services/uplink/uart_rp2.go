// uplink/uart_rp2.go
//go:build rp2040

package uplink

import (
	"context"
	"errors"
	"io"
	"machine"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
)

func init() { UARTDial = dialRP2 }

func dialRP2(ctx context.Context, u UARTConfig) (io.ReadWriteCloser, error) {
	var hw *uartx.UART
	switch u.Port {
	case 0:
		hw = uartx.UART0
	case 1:
		hw = uartx.UART1
	default:
		return nil, errors.New("no such uart")
	}
	// Defaults inside uartx apply to a zero baud.
	if err := hw.Configure(uartx.UARTConfig{
		BaudRate: uint32(u.Baud),
		TX:       machine.Pin(u.TxPin),
		RX:       machine.Pin(u.RxPin),
	}); err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(ctx)
	return &rp2Link{u: hw, ctx: lctx, cancel: cancel}, nil
}

// rp2Link adapts a uartx port to io.ReadWriteCloser. Close unblocks a
// pending Read; the hardware stays configured for the next dial.
type rp2Link struct {
	u      *uartx.UART
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *rp2Link) Read(p []byte) (int, error) {
	n, err := l.u.RecvSomeContext(l.ctx, p)
	if err != nil && l.ctx.Err() != nil {
		return n, io.EOF
	}
	return n, err
}

func (l *rp2Link) Write(p []byte) (int, error) { return l.u.Write(p) }

func (l *rp2Link) Close() error {
	l.cancel()
	return nil
}
