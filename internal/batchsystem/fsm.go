// Package batchsystem implements a generic, message-driven finite state
// machine scheduler: a bounded pool of poller goroutines that repeatedly pull
// batches of ready FSMs off scheduler channels, hand each one to a
// PollHandler, and decide whether the FSM goes back to sleep in its mailbox,
// gets rescheduled, or is torn down.
//
// It is the engine underneath internal/router/pool: each message group is
// modeled as one Fsm backed by one Mailbox, and ProcessPool's goroutine-per-
// group dispatch loop is replaced by a shared pool of pollers pulling from
// priority-tiered scheduler channels.
package batchsystem

// Priority is the scheduling tier an Fsm is dispatched on. Normal-priority
// FSMs run on the resource-controlled channel; low-priority FSMs run on a
// separate, uncontrolled channel backed by its own (usually smaller) pool of
// pollers.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Fsm is the minimal contract a finite state machine must satisfy to be
// driven by a Poller. Implementations carry their own message type and
// business logic; the batch system only needs to observe whether the FSM has
// stopped, what priority it wants to run at, and where its Mailbox is.
//
// TakeMailbox/SetMailbox exist so the Fsm and its Mailbox can reference each
// other without creating a permanent reference cycle that outlives a single
// poll round: the batch borrows the mailbox out of the FSM for the duration
// of a release/remove decision, then either hands it back or drops it for
// good once the FSM is torn down.
type Fsm interface {
	// IsStopped reports whether the FSM has been permanently torn down and
	// should be removed from circulation rather than released back to its
	// mailbox.
	IsStopped() bool

	// GetPriority returns the tier this FSM currently wants to run at.
	GetPriority() Priority

	// SetPriority updates the tier. A poller notices a mismatch between this
	// and its own priority and reschedules the FSM onto the matching channel.
	SetPriority(Priority)

	// TakeMailbox removes and returns the FSM's mailbox reference, leaving
	// the FSM without one until SetMailbox is called again. ok is false if
	// the FSM was never given a mailbox (a bug in the caller) or it was
	// already taken.
	TakeMailbox() (*Mailbox, bool)

	// SetMailbox installs the FSM's mailbox reference.
	SetMailbox(*Mailbox)

	// Kind labels this FSM for metrics, e.g. "normal" or "control".
	Kind() string
}
