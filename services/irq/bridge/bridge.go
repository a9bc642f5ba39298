// services/irq/bridge/bridge.go
package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"irqbridge/errcode"
	"irqbridge/x/isrq"
)

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

// Tag discriminates bridge messages.
type Tag uint8

const (
	TagInterrupt Tag = 1
	// TagError is raised by the consumer itself after posts were rejected;
	// Aux holds how many since the previous TagError.
	TagError Tag = 0xFE
)

// Message is the fixed-layout value carried from interrupt context to the
// consumer. It holds no pointers, so posting never allocates.
type Message struct {
	Tag   Tag
	Pin   uint8
	Edge  uint8 // irqcore.TriggerEdge of the arming subscription
	Flags uint8
	Seq   uint32 // producer sequence, starts at 1
	Aux   uint32
}

// Handler runs on the consumer goroutine.
type Handler func(m *Message)

// Token identifies a handler registration.
type Token uint32

// -----------------------------------------------------------------------------
// Bridge
// -----------------------------------------------------------------------------

const DefaultCapacity = 64

// Posting errors are preallocated: Post must not allocate.
var (
	ErrQueueFull = errcode.Wrap(errcode.PostError, "post", errcode.QueueFull)
	ErrNotReady  = errcode.Wrap(errcode.PostError, "post", errcode.NotReady)
)

type registration struct {
	tok Token
	h   Handler
}

// Bridge moves Messages from any context to handlers on its own goroutine.
type Bridge struct {
	q *isrq.Queue[Message]

	launch    sync.Once
	started   atomic.Bool // gates Post; cleared when the consumer exits
	drops     atomic.Uint32
	delivered atomic.Uint32
	done      chan struct{}

	mu      sync.RWMutex
	subs    []registration
	nextTok Token
}

// Capacity is the queue length New(capacity) ends up with: capacity <= 0
// selects DefaultCapacity, other values are rounded up to a power of two.
func Capacity(capacity int) int {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return isrq.RoundSize(capacity)
}

// New creates a bridge holding Capacity(capacity) messages.
func New(capacity int) *Bridge {
	return &Bridge{
		q:    isrq.New[Message](Capacity(capacity)),
		done: make(chan struct{}),
	}
}

func (b *Bridge) Cap() int { return b.q.Cap() }

// Post enqueues m without blocking. A full queue or an unstarted bridge yields
// a PostError; the message is dropped and counted.
func (b *Bridge) Post(m Message) error {
	if !b.started.Load() {
		b.drops.Add(1)
		return ErrNotReady
	}
	if !b.q.TryPut(m) {
		b.drops.Add(1)
		return ErrQueueFull
	}
	return nil
}

// Sender returns the interrupt-context view of the bridge.
func (b *Bridge) Sender() Sender { return Sender{b: b} }

// Subscribe registers h. Handlers run in registration order for each message.
func (b *Bridge) Subscribe(h Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTok++
	b.subs = append(b.subs, registration{tok: b.nextTok, h: h})
	return b.nextTok
}

// Unsubscribe removes a handler. Unknown tokens are ignored.
func (b *Bridge) Unsubscribe(t Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Copy: the consumer may be iterating the current slice.
	out := make([]registration, 0, len(b.subs))
	for _, r := range b.subs {
		if r.tok != t {
			out = append(out, r)
		}
	}
	b.subs = out
}

// Start launches the consumer goroutine. It returns once posting is enabled.
// A bridge runs at most once: calling Start again, even after the consumer
// has stopped, is a no-op.
func (b *Bridge) Start(ctx context.Context) {
	b.launch.Do(func() {
		b.started.Store(true)
		go b.run(ctx)
	})
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	var batch [16]Message
	reported := b.drops.Load()
	for {
		for {
			n := b.q.Drain(batch[:])
			if n == 0 {
				break
			}
			for i := 0; i < n; i++ {
				b.dispatch(&batch[i])
			}
		}
		if d := b.drops.Load(); d != reported {
			b.dispatch(&Message{Tag: TagError, Aux: d - reported})
			reported = d
		}
		select {
		case <-ctx.Done():
			b.started.Store(false)
			return
		case <-b.q.Readable():
		}
	}
}

func (b *Bridge) dispatch(m *Message) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, r := range subs {
		r.h(m)
	}
	b.delivered.Add(1)
}

// Done is closed when the consumer goroutine exits.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Drops counts posts rejected since creation.
func (b *Bridge) Drops() uint32 { return b.drops.Load() }

// Delivered counts messages handed to handlers.
func (b *Bridge) Delivered() uint32 { return b.delivered.Load() }

// -----------------------------------------------------------------------------
// Sender
// -----------------------------------------------------------------------------

// Sender is the only bridge capability handed to interrupt callbacks: it can
// post and nothing else. Post never blocks or allocates.
type Sender struct{ b *Bridge }

func (s Sender) Post(m Message) error { return s.b.Post(m) }

// Valid reports whether the sender is bound to a bridge.
func (s Sender) Valid() bool { return s.b != nil }
