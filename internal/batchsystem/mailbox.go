package batchsystem

import "sync"

// Mailbox is the home an idle Fsm sleeps in between scheduler visits, and the
// queue producers append messages to while it sleeps. It also owns the
// handover logic that decides whether a producer landing a message on an
// idle FSM must re-schedule it itself (the FSM is asleep in the mailbox, no
// poller is going to notice the new message) or can leave it alone (the FSM
// is already on a scheduler channel or owned by a batch, and will drain the
// mailbox itself on its next round).
//
// A Mailbox is in exactly one of two states at any instant: holding its Fsm
// (idle), or not (the Fsm is in transit on a scheduler channel or owned by a
// batch). Len/IsEmpty describe the message queue, not this Fsm residency bit;
// they exist so Batch.release and Batch.ReleaseControl can tell whether a
// producer raced the release and already re-took the Fsm.
type Mailbox struct {
	mu     sync.Mutex
	queue  []any
	fsm    Fsm
	closed bool
}

// NewMailbox creates a mailbox that starts out holding fsm (idle).
func NewMailbox(fsm Fsm) *Mailbox {
	return &Mailbox{fsm: fsm}
}

// Len returns the number of undelivered messages queued in the mailbox.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// IsEmpty reports whether the message queue is empty.
func (mb *Mailbox) IsEmpty() bool {
	return mb.Len() == 0
}

// Release puts fsm back to sleep in the mailbox. Callers must already have
// confirmed (via TakeFSM or equivalent) that the Fsm the mailbox last held
// has actually been taken: releasing overwrites whatever the mailbox's idle
// slot currently holds.
func (mb *Mailbox) Release(fsm Fsm) {
	mb.mu.Lock()
	mb.fsm = fsm
	mb.mu.Unlock()
}

// TakeFSM removes and returns the Fsm currently sleeping in the mailbox, if
// any. ok is false if the mailbox is not currently holding an Fsm (it is in
// transit elsewhere).
func (mb *Mailbox) TakeFSM() (Fsm, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.fsm == nil {
		return nil, false
	}
	fsm := mb.fsm
	mb.fsm = nil
	return fsm, true
}

// Notify is the producer-side entry point: append msg to the queue and, if
// the mailbox's Fsm was idle, take it and hand it back to the caller so it
// can be scheduled. This is the linearization point Batch.release's
// expected-length check guards against: a Notify landing between a handler
// finishing and the batch releasing sees the new message length and, if it
// also wins the race to take the Fsm, is responsible for re-scheduling it.
//
// accepted is false if the mailbox has been closed by CloseIfEmpty; the
// message was NOT queued and the caller must deliver it elsewhere (typically
// by registering a replacement mailbox). When accepted is true, a non-nil
// fsm means the caller took ownership of a previously idle Fsm and must
// schedule it; a nil fsm means the Fsm is already in circulation and will
// drain the queue on its own.
func (mb *Mailbox) Notify(msg any) (fsm Fsm, accepted bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil, false
	}
	mb.queue = append(mb.queue, msg)
	if mb.fsm == nil {
		return nil, true
	}
	fsm = mb.fsm
	mb.fsm = nil
	return fsm, true
}

// CloseIfEmpty permanently closes the mailbox if its queue is empty, making
// every later Notify reject. It serializes against Notify on the mailbox's
// own lock, so a closed mailbox is guaranteed to stay empty forever: either
// a racing producer's message landed first (and CloseIfEmpty reports false),
// or the close landed first (and the producer is rejected). Callers use this
// to tear down an idle Fsm without a window where a message could be queued
// into a mailbox nothing will ever drain.
func (mb *Mailbox) CloseIfEmpty() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.queue) > 0 {
		return false
	}
	mb.closed = true
	return true
}

// Closed reports whether the mailbox has been closed.
func (mb *Mailbox) Closed() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closed
}

// Pop removes and returns the oldest queued message, if any. Handlers use
// this to drain the mailbox while they own the Fsm.
func (mb *Mailbox) Pop() (any, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.queue) == 0 {
		return nil, false
	}
	msg := mb.queue[0]
	mb.queue = mb.queue[1:]
	return msg, true
}
