package batchsystem

import (
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// policyKind is the disposition a handler chose for a normal Fsm at the end
// of a round: go back to sleep (release), get torn down (remove), or move to
// a different scheduler channel without touching its mailbox (schedule).
type policyKind int

const (
	policyNone policyKind = iota
	policyRelease
	policyRemove
	policySchedule
)

type reschedulePolicy struct {
	kind     policyKind
	progress int
	// reason labels a policySchedule for the reschedule counter:
	// "priority_mismatch" or "hot".
	reason string
}

// NormalFsm wraps a normal (non-control) Fsm of either priority with the
// batch-local bookkeeping a Poller needs across a round: how many rounds it
// has now survived (for the poll-round-count metric), when it was first
// picked up this stay (for hot-FSM rebalancing and the poll-duration
// metric), and what the handler decided should happen to it
// next. Embedding Fsm promotes IsStopped/GetPriority/etc. directly onto
// *NormalFsm, mirroring the Deref a held Box<N> gives the original.
type NormalFsm struct {
	Fsm
	Round  int
	Timer  time.Time
	policy reschedulePolicy
}

func newNormalFsm(fsm Fsm) *NormalFsm {
	return &NormalFsm{Fsm: fsm, Timer: time.Now()}
}

// Batch is a poller's in-flight set for a single round: at most one control
// Fsm, plus a compacting slice of normal FSMs. Slots emptied mid-round by
// Schedule are reclaimed by SwapReclaim to keep the slice dense without
// disturbing the index of any FSM still earlier in iteration order.
type Batch struct {
	control Fsm
	normals []*NormalFsm
}

// NewBatch preallocates a normals slice of the given capacity hint.
func NewBatch(capacity int) *Batch {
	return &Batch{normals: make([]*NormalFsm, 0, capacity)}
}

// Push admits item into the batch: a normal Fsm is appended, a control Fsm
// occupies the singleton control slot, and an empty (shutdown) sentinel is
// rejected. Pushing a control Fsm while the slot is already occupied is a
// scheduler bug and panics rather than silently dropping or overwriting an
// owned Fsm.
func (b *Batch) Push(item FsmItem) bool {
	switch item.kind {
	case itemNormal:
		metrics.BatchScheduleWaitDuration.WithLabelValues(item.fsm.Kind()).Observe(time.Since(item.scheduledAt).Seconds())
		b.normals = append(b.normals, newNormalFsm(item.fsm))
		return true
	case itemControl:
		metrics.BatchScheduleWaitDuration.WithLabelValues(item.fsm.Kind()).Observe(time.Since(item.scheduledAt).Seconds())
		if b.control != nil {
			panic("batchsystem: control slot already occupied")
		}
		b.control = item.fsm
		return true
	default:
		return false
	}
}

// IsEmpty reports whether the batch owns neither a control Fsm nor any
// normal ones.
func (b *Batch) IsEmpty() bool {
	return len(b.normals) == 0 && b.control == nil
}

// Clear drops every Fsm the batch holds without disposing of them. Callers
// must have already handed ownership elsewhere (released, removed, or
// rescheduled) before calling this; it is only used for the final shutdown
// sweep in Poller.Poll.
func (b *Batch) Clear() {
	b.normals = b.normals[:0]
	b.control = nil
}

// TickRound advances every resident normal Fsm's round counter by one and
// records the batch's occupancy for the count-per-poll metric.
func (b *Batch) TickRound() {
	if len(b.normals) > 0 {
		metrics.BatchCountPerPoll.WithLabelValues("normal").Observe(float64(len(b.normals)))
	}
	for _, nf := range b.normals {
		if nf != nil {
			nf.Round++
		}
	}
}

func (b *Batch) recordDisposal(nf *NormalFsm) {
	metrics.BatchPollRoundCount.WithLabelValues(nf.Kind()).Observe(float64(nf.Round))
	metrics.BatchPollDuration.WithLabelValues(nf.Kind()).Observe(time.Since(nf.Timer).Seconds())
}

// release puts nf's Fsm back to sleep in its mailbox, honoring expectedLen:
// if the mailbox's message count still matches what the handler observed
// when it decided to release, the Fsm is done for this batch (returns nil).
// If a producer landed a message (and, racing the release, also took the
// Fsm back out) between the handler's decision and this call, that producer
// is the new owner and is responsible for scheduling it; we detect that by
// finding the mailbox non-idle (TakeFSM fails) and also return nil. Only
// when the producer's Notify call deposited a message but lost the take race
// do we reclaim the Fsm and keep polling it within this same batch.
func (b *Batch) release(nf *NormalFsm, expectedLen int) *NormalFsm {
	mailbox, ok := nf.TakeMailbox()
	if !ok {
		panic("batchsystem: fsm has no mailbox to release into")
	}
	mailbox.Release(nf.Fsm)
	if mailbox.Len() == expectedLen {
		b.recordDisposal(nf)
		return nil
	}
	fsm, ok := mailbox.TakeFSM()
	if !ok {
		b.recordDisposal(nf)
		return nil
	}
	fsm.SetMailbox(mailbox)
	nf.Fsm = fsm
	return nf
}

// remove tears nf down: if its mailbox is empty it is released one last time
// (satisfying the invariant that an Fsm is always either owned by a batch or
// resident in a mailbox, never simply discarded) and then dropped; if
// messages are still queued, the Fsm survives so the caller can keep
// draining it instead of losing those messages.
func (b *Batch) remove(nf *NormalFsm) *NormalFsm {
	mailbox, ok := nf.TakeMailbox()
	if !ok {
		panic("batchsystem: fsm has no mailbox to remove from")
	}
	if mailbox.IsEmpty() {
		mailbox.Release(nf.Fsm)
		b.recordDisposal(nf)
		return nil
	}
	nf.SetMailbox(mailbox)
	return nf
}

// Schedule resolves index's pending policy: release, remove, reschedule onto
// a scheduler channel, or (no policy set) leave the slot as-is. The slot is
// cleared first and only repopulated if the Fsm survives the resolution, so
// a panic partway through never leaves a stale reference behind.
func (b *Batch) Schedule(r *Router, index int) {
	nf := b.normals[index]
	if nf == nil {
		return
	}
	b.normals[index] = nil

	var res *NormalFsm
	switch nf.policy.kind {
	case policyRelease:
		res = b.release(nf, nf.policy.progress)
	case policyRemove:
		res = b.remove(nf)
	case policySchedule:
		metrics.BatchRescheduleTotal.WithLabelValues(nf.Kind(), nf.policy.reason).Inc()
		b.recordDisposal(nf)
		r.normalScheduler.Schedule(nf.Fsm)
		res = nil
	default:
		res = nf
	}
	if res != nil {
		res.policy = reschedulePolicy{}
		b.normals[index] = res
	}
}

// SwapReclaim compacts a slot emptied by Schedule: it moves the last element
// into the hole and shrinks the slice, so subsequent iteration never walks
// over a nil gap. Callers must process indices in descending order within a
// round so a swap never disturbs an index not yet visited.
func (b *Batch) SwapReclaim(index int) {
	if b.normals[index] == nil {
		last := len(b.normals) - 1
		b.normals[index] = b.normals[last]
		b.normals[last] = nil
		b.normals = b.normals[:last]
	}
}

// ReleaseControl is release's counterpart for the singleton control slot. It
// returns true if the control Fsm was fully disposed of (released with no
// race, or raced-but-lost by a producer), false if the caller should keep
// polling it because this call reclaimed it from the mailbox.
func (b *Batch) ReleaseControl(r *Router, checkedLen int) bool {
	fsm := b.control
	b.control = nil
	r.controlBox.Release(fsm)
	if r.controlBox.Len() == checkedLen {
		return true
	}
	reclaimed, ok := r.controlBox.TakeFSM()
	if !ok {
		return true
	}
	b.control = reclaimed
	return false
}

// RemoveControl tears the control Fsm down if its mailbox has gone idle with
// no pending messages; otherwise it is left for the next round to drain.
func (b *Batch) RemoveControl(r *Router) {
	if r.controlBox.IsEmpty() {
		fsm := b.control
		b.control = nil
		r.controlBox.Release(fsm)
	}
}
