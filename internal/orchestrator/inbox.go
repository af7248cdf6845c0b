package orchestrator

import "sync"

// Signal is a governance observation pushed by an external checker. Signals
// are ephemeral: a decision consumes them.
type Signal struct {
	ID         string   `json:"id"`
	Level      string   `json:"level" enum:"WARN,CORRECT,PAUSE,BLOCK,ESCALATE"`
	Criterion  string   `json:"criterion"`
	Scope      []string `json:"scope,omitempty"`
	Confidence float64  `json:"confidence"`
	Origin     string   `json:"origin,omitempty"`
	ReceivedAt string   `json:"received_at,omitempty" format:"date-time"`
}

// Inbox is the pending-signal queue of one orchestrator instance. The single
// mutex makes receive and drain atomic with respect to each other: a signal is
// consumed by exactly one decision or by none yet, never by two.
type Inbox struct {
	mu      sync.Mutex
	pending []Signal
}

func NewInbox() *Inbox {
	return &Inbox{}
}

// Receive queues a signal for the next decision.
func (in *Inbox) Receive(s Signal) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pending = append(in.pending, s)
}

// Drain removes and returns all pending signals.
func (in *Inbox) Drain() []Signal {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.pending
	in.pending = nil
	return out
}

// Pending returns the current queue depth.
func (in *Inbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// Snapshot returns a copy of the queue without consuming it.
func (in *Inbox) Snapshot() []Signal {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Signal, len(in.pending))
	copy(out, in.pending)
	return out
}
