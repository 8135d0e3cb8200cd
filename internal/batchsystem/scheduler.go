package batchsystem

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// itemKind tags what a queued fsmQueue entry represents. A Go channel close
// can't carry per-consumer shutdown semantics the way this scheduler needs
// (exactly one wakeup per blocked poller, with the rest of the queue
// undisturbed), so shutdown is an explicit sentinel value pushed through the
// same queue as real work.
type itemKind int

const (
	itemNormal itemKind = iota
	itemControl
	itemEmpty
)

// FsmItem is one entry on a scheduler channel.
type FsmItem struct {
	kind        itemKind
	fsm         Fsm
	scheduledAt time.Time
}

func normalItem(fsm Fsm) FsmItem {
	return FsmItem{kind: itemNormal, fsm: fsm, scheduledAt: time.Now()}
}

func controlItem(fsm Fsm) FsmItem {
	return FsmItem{kind: itemControl, fsm: fsm, scheduledAt: time.Now()}
}

func emptyItem() FsmItem {
	return FsmItem{kind: itemEmpty}
}

// fsmQueue is an unbounded FIFO queue used as the scheduler channel.
// Schedule() must never block a producer, and a poller's shutdown drain must
// be able to push onto the very queue that just signaled shutdown; a plain
// mutex-backed slice with a condvar gives both without pulling in an
// external queue dependency.
type fsmQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []FsmItem
}

func newFsmQueue() *fsmQueue {
	q := &fsmQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *fsmQueue) Send(item FsmItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
}

// TryRecv returns immediately, ok false if the queue is currently empty.
func (q *fsmQueue) TryRecv() (FsmItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return FsmItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Recv blocks until an item is available.
func (q *fsmQueue) Recv() FsmItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// ResourceController is the optional admission-control hook applied to the
// normal-priority channel only; the low-priority channel never consults one.
// Schedule must remain non-blocking, so a controller may only observe and
// record pressure, not delay dispatch.
type ResourceController interface {
	Consume(fsm Fsm)
}

// RateResourceController throttles accounting of normal-priority scheduling
// with a token bucket. It does not delay delivery: callers exceeding the
// configured rate are still scheduled, just counted as throttled so an
// operator (or the handler itself, via the reschedule-to-low-priority path)
// can react.
type RateResourceController struct {
	limiter *rate.Limiter
}

// NewRateResourceController builds a controller allowing eventsPerSecond
// sustained admissions with a burst of up to burst.
func NewRateResourceController(eventsPerSecond float64, burst int) *RateResourceController {
	return &RateResourceController{limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

func (c *RateResourceController) Consume(fsm Fsm) {
	if !c.limiter.Allow() {
		metrics.BatchResourceThrottled.WithLabelValues(fsm.Kind()).Inc()
	}
}

// Scheduler is the thin, non-blocking wrapper a Batch and its handlers use to
// hand an Fsm back to a channel instead of releasing it to its mailbox.
type Scheduler interface {
	Schedule(fsm Fsm)
}

type normalScheduler struct {
	normalQueue *fsmQueue
	lowQueue    *fsmQueue
	controller  ResourceController
}

func (s *normalScheduler) Schedule(fsm Fsm) {
	if fsm.GetPriority() == PriorityLow {
		s.lowQueue.Send(normalItem(fsm))
		return
	}
	if s.controller != nil {
		s.controller.Consume(fsm)
	}
	s.normalQueue.Send(normalItem(fsm))
}

type controlScheduler struct {
	normalQueue *fsmQueue
}

func (s *controlScheduler) Schedule(fsm Fsm) {
	s.normalQueue.Send(controlItem(fsm))
}

// Router is the handle producers and pollers share: it carries the control
// Fsm's mailbox, the normal and control schedulers, and a keyed registry of normal
// mailboxes so callers can address an Fsm by an application-defined key (a
// message group id, in the pool.go adaptation) without reaching into the
// batch system's internals.
type Router struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox

	controlBox       *Mailbox
	normalScheduler  *normalScheduler
	controlScheduler *controlScheduler

	normalQueue *fsmQueue
	lowQueue    *fsmQueue

	normalConsumers int
	lowConsumers    int
}

// Register associates key with mb so later callers can find it with Mailbox.
func (r *Router) Register(key string, mb *Mailbox) {
	r.mu.Lock()
	r.mailboxes[key] = mb
	r.mu.Unlock()
}

// Mailbox looks up the mailbox registered under key.
func (r *Router) Mailbox(key string) (*Mailbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.mailboxes[key]
	return mb, ok
}

// Close removes key's registration, but only while it still points at mb: a
// racing Register may already have replaced a closed mailbox with a fresh
// one under the same key, and that replacement must survive. It does not
// touch the mailbox itself; callers are responsible for having already
// drained or torn down its Fsm.
func (r *Router) Close(key string, mb *Mailbox) {
	r.mu.Lock()
	if r.mailboxes[key] == mb {
		delete(r.mailboxes, key)
	}
	r.mu.Unlock()
}

// Range calls fn once for every currently registered mailbox. fn must not
// call Register or Close on r; collect keys and act on them after Range
// returns instead.
func (r *Router) Range(fn func(key string, mb *Mailbox)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, mb := range r.mailboxes {
		fn(k, mb)
	}
}

// Schedule dispatches fsm through the normal-priority scheduler, honoring its
// current Priority.
func (r *Router) Schedule(fsm Fsm) {
	r.normalScheduler.Schedule(fsm)
}

// ScheduleControl dispatches the control Fsm back onto the normal channel.
func (r *Router) ScheduleControl(fsm Fsm) {
	r.controlScheduler.Schedule(fsm)
}

// ControlMailbox returns the control Fsm's mailbox, the producer handle for
// sending it messages.
func (r *Router) ControlMailbox() *Mailbox {
	return r.controlBox
}

// BroadcastShutdown enqueues one shutdown sentinel per poller consuming each
// channel, waking every blocked poller exactly once so it can observe the
// sentinel, stop its main loop, and run its own shutdown drain.
func (r *Router) BroadcastShutdown() {
	for i := 0; i < r.normalConsumers; i++ {
		r.normalQueue.Send(emptyItem())
	}
	for i := 0; i < r.lowConsumers; i++ {
		r.lowQueue.Send(emptyItem())
	}
}
