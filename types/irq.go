package types

import "time"

// ---- Service state (retained) ----

type IRQServiceState struct {
	Level  string `json:"level"`  // "idle", "ready", "error", "stopped"
	Status string `json:"status"` // short machine string
	Lines  int    `json:"lines"`  // armed lines
	Drops  uint32 `json:"drops"`  // posts rejected by the bridge
	Error  string `json:"error,omitempty"`
	TS     int64  `json:"ts_ms"`
}

// Link is the link/state reported for a line.
type Link string

const (
	LinkUp       Link = "up"
	LinkDown     Link = "down"
	LinkDegraded Link = "degraded"
)

// ---- Configuration (config/irq) ----

type IRQConfig struct {
	QueueLen int       `json:"queue_len,omitempty"` // bridge capacity; 0 => default
	Lines    []IRQLine `json:"lines"`
}

// IRQLine binds a logical id to one physical pin.
type IRQLine struct {
	ID   string `json:"id"`
	Pin  int    `json:"pin"`
	Edge string `json:"edge"`           // rising|falling|any|high|low
	Pull string `json:"pull,omitempty"` // none|up|down
}

// ---- Per-line payloads ----

// IRQEvent is published non-retained on irq/line/<id>/event.
type IRQEvent struct {
	Line  string    `json:"line"`
	Pin   int       `json:"pin"`
	Edge  string    `json:"edge"`
	Seq   uint32    `json:"seq"`   // per-subscription sequence assigned in interrupt context
	Count uint32    `json:"count"` // delivered so far on this line
	Lost  uint32    `json:"lost"`  // sequence gaps seen so far
	TS    time.Time `json:"ts"`
}

// IRQLineState is published retained on irq/line/<id>/state.
type IRQLineState struct {
	Link    Link   `json:"link"`
	Armed   bool   `json:"armed"`
	Pin     int    `json:"pin"`
	Edge    string `json:"edge"`
	Pull    string `json:"pull"`
	Count   uint32 `json:"count"`
	LastSeq uint32 `json:"last_seq"`
	Lost    uint32 `json:"lost"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts_ms"`
}

// IRQRearm is the payload of irq/line/<id>/control/rearm.
type IRQRearm struct {
	Edge string `json:"edge,omitempty"`
	Pull string `json:"pull,omitempty"`
}

// ControlReply is the reply to any irq control request.
type ControlReply struct {
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
	State *IRQLineState `json:"state,omitempty"`
}
