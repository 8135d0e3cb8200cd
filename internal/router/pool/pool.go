// Package pool dispatches mediated messages under a per-pool concurrency
// and rate limit, preserving FIFO order within a message group.
//
// Each message group is modeled as one Fsm backed by one Mailbox in
// internal/batchsystem: Submit notifies the group's mailbox and wakes its
// Fsm if it was idle, a shared pool of poller goroutines drives the actual
// mediation, and a singleton control Fsm drives gauge updates and evicts
// groups that have gone idle. This replaces a goroutine-per-group design
// with a fixed pool of pollers shared by every group.
package pool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/batchsystem"
	"go.flowcatalyst.tech/internal/common/metrics"
)

// DefaultGroup is the message group assigned when a message carries no
// explicit MessageGroupID.
const DefaultGroup = "__DEFAULT__"

// IdleTimeoutMinutes is how long a message group's mailbox may sit idle and
// empty before the control Fsm evicts its registration.
const IdleTimeoutMinutes = 5

const (
	defaultMaxBatchSize       = 16
	defaultRescheduleDuration = 250 * time.Millisecond
	controlTickInterval       = 500 * time.Millisecond

	// demoteThreshold/promoteThreshold govern a group's two-tier priority:
	// enough consecutive rate-limit throttles push it to low priority so
	// well-behaved groups aren't starved behind it; enough consecutive
	// clean dispatches bring it back.
	demoteThreshold  = 5
	promoteThreshold = 3

	// dispatchRateMultiplier/dispatchBurstMultiplier size the generic
	// scheduling-admission controller wired onto the normal channel. It is
	// deliberately loose relative to concurrency: its job is to record
	// BatchResourceThrottled pressure for operators, not to gate dispatch
	// (Schedule must stay non-blocking), so it should rarely fire under
	// ordinary load.
	dispatchRateMultiplier  = 50
	dispatchBurstMultiplier = 4
)

// MessagePointer is one unit of work submitted to a Pool. AckFunc/NakFunc and
// friends are left for the producer that constructs it to wire up;
// MessageCallback is the interface a Pool actually calls.
type MessagePointer struct {
	ID              string
	BatchID         string
	MessageGroupID  string
	MediationTarget string
	MediationType   string
	AuthToken       string
	Payload         []byte
	Headers         map[string]string
	TimeoutSeconds  int

	AckFunc        func()
	NakFunc        func()
	NakDelayFunc   func(seconds int)
	InProgressFunc func()
}

// MediationResult classifies the outcome of a mediation attempt.
type MediationResult int

const (
	MediationResultSuccess MediationResult = iota
	MediationResultErrorConfig
	MediationResultErrorProcess
	MediationResultErrorConnection
)

// MediationOutcome is a Mediator's verdict for one message.
type MediationOutcome struct {
	Result       MediationResult
	Error        error
	DelaySeconds *int
}

// HasCustomDelay reports whether the mediator requested a specific
// visibility delay rather than the default nack behavior.
func (o *MediationOutcome) HasCustomDelay() bool { return o.DelaySeconds != nil }

// GetEffectiveDelaySeconds returns the requested delay, or 0 if none.
func (o *MediationOutcome) GetEffectiveDelaySeconds() int {
	if o.DelaySeconds != nil {
		return *o.DelaySeconds
	}
	return 0
}

// Mediator processes one message and reports how it went.
type Mediator interface {
	Process(msg *MessagePointer) *MediationOutcome
}

// MessageCallback is how a Pool acknowledges, rejects, or adjusts the
// visibility of a message once mediation has resolved.
type MessageCallback interface {
	Ack(msg *MessagePointer)
	Nack(msg *MessagePointer)
	SetVisibilityDelay(msg *MessagePointer, seconds int)
	SetFastFailVisibility(msg *MessagePointer)
	ResetVisibilityToDefault(msg *MessagePointer)
}

// Pool dispatches submitted messages under a bounded concurrency and
// optional rate limit, preserving per-group FIFO order.
type Pool interface {
	Start()
	Drain()
	Submit(msg *MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
}

// ProcessPool is the batch-system-backed Pool implementation.
type ProcessPool struct {
	poolCode      string
	concurrency   atomic.Int32
	queueCapacity int

	mediator        Mediator
	messageCallback MessageCallback

	rateLimitMu        sync.RWMutex
	rateLimitPerMinute *int
	messageLimiter     *rate.Limiter

	router *batchsystem.Router
	sys    *batchsystem.BatchSystem
	cfg    *batchsystem.Config

	control *controlFsm

	running atomic.Bool

	groupCreateMu sync.Mutex

	totalQueuedMessages atomic.Int32
	activeProcessing    atomic.Int32

	failedBatchGroups      sync.Map // batchGroupKey -> struct{}
	batchGroupMessageCount sync.Map // batchGroupKey -> *atomic.Int32

	controlStop     chan struct{}
	controlStopOnce sync.Once
	shutdownMu      sync.Mutex
}

var _ Pool = (*ProcessPool)(nil)

// NewProcessPool builds a Pool around mediator/messageCallback. rateLimitPerMinute
// is nil to run unthrottled.
func NewProcessPool(poolCode string, concurrency, queueCapacity int, rateLimitPerMinute *int, mediator Mediator, messageCallback MessageCallback) *ProcessPool {
	p := &ProcessPool{
		poolCode:        poolCode,
		queueCapacity:   queueCapacity,
		mediator:        mediator,
		messageCallback: messageCallback,
		controlStop:     make(chan struct{}),
	}
	p.concurrency.Store(int32(concurrency))

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		v := *rateLimitPerMinute
		p.rateLimitPerMinute = &v
		p.messageLimiter = rate.NewLimiter(rate.Limit(float64(v)/60.0), concurrency)
	}

	lowPoolSize := concurrency / 4
	if lowPoolSize < 1 {
		lowPoolSize = 1
	}
	p.cfg = batchsystem.NewConfig(defaultMaxBatchSize, defaultRescheduleDuration, concurrency, lowPoolSize)

	control := &controlFsm{}
	resourceCtl := batchsystem.NewRateResourceController(float64(concurrency)*dispatchRateMultiplier, concurrency*dispatchBurstMultiplier)
	router, sys := batchsystem.CreateSystem(p.cfg, control, resourceCtl)
	control.mailbox = router.ControlMailbox()

	p.router = router
	p.sys = sys
	p.control = control
	return p
}

// Start spawns the pool's pollers and its control-Fsm ticker. Safe to call
// once; subsequent calls are a no-op.
func (p *ProcessPool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.sys.Spawn(p.poolCode, &poolHandlerBuilder{pool: p})
	go p.runControlTicker()
}

// Drain stops advertising this pool as running. It does not block; callers
// that need completion should poll IsFullyDrained before Shutdown.
func (p *ProcessPool) Drain() {
	p.running.Store(false)
}

// Submit enqueues msg onto its message group, creating the group's mailbox
// on first use. Returns false if the pool is at capacity.
func (p *ProcessPool) Submit(msg *MessagePointer) bool {
	if p.totalQueuedMessages.Load() >= int32(p.queueCapacity) {
		return false
	}

	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}

	p.trackBatchGroup(batchGroupKeyFor(msg))
	p.totalQueuedMessages.Add(1)

	for {
		mb := p.getOrCreateGroupMailbox(groupID)
		woken, accepted := mb.Notify(msg)
		if !accepted {
			// The idle sweep closed this mailbox between lookup and
			// notify; loop to register a replacement.
			continue
		}
		if woken != nil {
			woken.SetMailbox(mb)
			p.router.Schedule(woken)
		}
		return true
	}
}

func (p *ProcessPool) getOrCreateGroupMailbox(groupID string) *batchsystem.Mailbox {
	if mb, ok := p.router.Mailbox(groupID); ok && !mb.Closed() {
		return mb
	}
	p.groupCreateMu.Lock()
	defer p.groupCreateMu.Unlock()
	if mb, ok := p.router.Mailbox(groupID); ok && !mb.Closed() {
		return mb
	}
	gf := &groupFsm{groupID: groupID, priority: batchsystem.PriorityNormal, lastActivity: time.Now()}
	mb := batchsystem.NewMailbox(gf)
	p.router.Register(groupID, mb)
	return mb
}

func (p *ProcessPool) trackBatchGroup(key string) {
	v, _ := p.batchGroupMessageCount.LoadOrStore(key, &atomic.Int32{})
	v.(*atomic.Int32).Add(1)
}

func batchGroupKeyFor(msg *MessagePointer) string {
	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}
	return msg.BatchID + ":" + groupID
}

func (p *ProcessPool) isBatchGroupFailed(key string) bool {
	_, failed := p.failedBatchGroups.Load(key)
	return failed
}

func (p *ProcessPool) markBatchGroupFailed(key string) {
	p.failedBatchGroups.Store(key, struct{}{})
}

func (p *ProcessPool) decrementAndCleanupBatchGroup(key string) {
	v, ok := p.batchGroupMessageCount.Load(key)
	if !ok {
		return
	}
	if v.(*atomic.Int32).Add(-1) <= 0 {
		p.batchGroupMessageCount.Delete(key)
		p.failedBatchGroups.Delete(key)
	}
}

func (p *ProcessPool) nackSafely(msg *MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pool: nack panicked", "pool_code", p.poolCode, "panic", r)
		}
	}()
	p.messageCallback.Nack(msg)
}

func (p *ProcessPool) shouldRateLimit() bool {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	if p.messageLimiter == nil {
		return false
	}
	return !p.messageLimiter.Allow()
}

// processOneMessage mediates msg on behalf of gf, honoring batch-group FIFO
// failure propagation and the pool's message-level rate limit.
func (p *ProcessPool) processOneMessage(gf *groupFsm, msg *MessagePointer) {
	p.totalQueuedMessages.Add(-1)
	batchGroupKey := batchGroupKeyFor(msg)
	defer p.decrementAndCleanupBatchGroup(batchGroupKey)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pool: mediation panicked", "pool_code", p.poolCode, "group", gf.groupID, "panic", r)
			p.nackSafely(msg)
			p.markBatchGroupFailed(batchGroupKey)
		}
	}()

	if p.isBatchGroupFailed(batchGroupKey) {
		p.nackSafely(msg)
		return
	}

	if p.shouldRateLimit() {
		p.messageCallback.SetFastFailVisibility(msg)
		p.nackSafely(msg)
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		gf.recordThrottle()
		return
	}
	gf.recordSuccess()

	p.activeProcessing.Add(1)
	start := time.Now()
	outcome := p.mediator.Process(msg)
	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(time.Since(start).Seconds())
	p.activeProcessing.Add(-1)

	p.handleMediationOutcome(msg, outcome, batchGroupKey)
}

func (p *ProcessPool) handleMediationOutcome(msg *MessagePointer, outcome *MediationOutcome, batchGroupKey string) {
	switch outcome.Result {
	case MediationResultSuccess:
		p.messageCallback.Ack(msg)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
	case MediationResultErrorConfig:
		// Ack anyway: retrying a message that can never mediate
		// correctly just loops forever.
		p.messageCallback.Ack(msg)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
	case MediationResultErrorProcess:
		if outcome.HasCustomDelay() {
			p.messageCallback.SetVisibilityDelay(msg, outcome.GetEffectiveDelaySeconds())
		} else {
			p.messageCallback.ResetVisibilityToDefault(msg)
		}
		p.nackSafely(msg)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.markBatchGroupFailed(batchGroupKey)
	case MediationResultErrorConnection:
		p.nackSafely(msg)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.markBatchGroupFailed(batchGroupKey)
	default:
		p.nackSafely(msg)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.markBatchGroupFailed(batchGroupKey)
	}
}

func (p *ProcessPool) runControlTicker() {
	ticker := time.NewTicker(controlTickInterval)
	defer ticker.Stop()
	p.wakeControl()
	for {
		select {
		case <-p.controlStop:
			return
		case <-ticker.C:
			p.wakeControl()
		}
	}
}

// wakeControl reads the control mailbox through the router rather than the
// control Fsm's own back-reference: the handler takes that reference out
// while processing, so reading it from the ticker goroutine would race.
func (p *ProcessPool) wakeControl() {
	mb := p.router.ControlMailbox()
	if woken, _ := mb.Notify(controlTick{}); woken != nil {
		woken.SetMailbox(mb)
		p.router.ScheduleControl(woken)
	}
}

func (p *ProcessPool) updateGauges() {
	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(p.activeProcessing.Load()))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(p.totalQueuedMessages.Load()))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(p.GetConcurrency()) - float64(p.activeProcessing.Load()))

	count := 0
	p.router.Range(func(_ string, _ *batchsystem.Mailbox) { count++ })
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(count))
}

// sweepIdleGroups evicts registered groups whose mailbox has sat empty and
// untaken longer than IdleTimeoutMinutes. A group mid-flight (its mailbox
// not holding an idle Fsm) is left alone. Eviction closes the mailbox only
// while it is provably empty (CloseIfEmpty serializes against Notify), so a
// producer racing the sweep either lands its message first — the sweep backs
// off and releases the Fsm — or is rejected and registers a fresh mailbox
// via Submit's retry loop. No message can be queued into an evicted mailbox.
func (p *ProcessPool) sweepIdleGroups() {
	deadline := time.Now().Add(-time.Duration(IdleTimeoutMinutes) * time.Minute)
	type staleGroup struct {
		key string
		mb  *batchsystem.Mailbox
	}
	var stale []staleGroup
	p.router.Range(func(key string, mb *batchsystem.Mailbox) {
		fsm, ok := mb.TakeFSM()
		if !ok {
			return
		}
		gf := fsm.(*groupFsm)
		if gf.lastActivity.After(deadline) || !mb.CloseIfEmpty() {
			mb.Release(fsm)
			return
		}
		gf.stopped = true
		stale = append(stale, staleGroup{key: key, mb: mb})
	})
	for _, s := range stale {
		p.router.Close(s.key, s.mb)
	}
}

func (p *ProcessPool) GetPoolCode() string { return p.poolCode }

func (p *ProcessPool) GetConcurrency() int { return int(p.concurrency.Load()) }

func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	if p.rateLimitPerMinute == nil {
		return nil
	}
	v := *p.rateLimitPerMinute
	return &v
}

func (p *ProcessPool) IsFullyDrained() bool {
	if p.totalQueuedMessages.Load() != 0 {
		return false
	}
	drained := true
	p.router.Range(func(_ string, mb *batchsystem.Mailbox) {
		if !mb.IsEmpty() {
			drained = false
		}
	})
	return drained
}

// Shutdown stops the control ticker and the batch system's pollers. It is
// idempotent and safe to call even if Start was never called.
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()
	p.controlStopOnce.Do(func() { close(p.controlStop) })
	p.sys.Shutdown()
}

func (p *ProcessPool) GetQueueSize() int { return int(p.totalQueuedMessages.Load()) }

func (p *ProcessPool) GetActiveWorkers() int { return int(p.activeProcessing.Load()) }

func (p *ProcessPool) GetQueueCapacity() int { return p.queueCapacity }

// HasCapacity reports whether needed more messages could be queued right now.
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.queueCapacity-int(p.totalQueuedMessages.Load()) >= needed
}

func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	if p.messageLimiter == nil {
		return false
	}
	return p.messageLimiter.Tokens() <= 0
}

// UpdateConcurrency updates the advertised concurrency figure used for
// back-pressure and monitoring decisions. Resizing the live poller count is
// out of scope, matching batchsystem.Config's own non-goal: pool sizes are
// fixed at Spawn time. timeoutSeconds is accepted for interface parity with
// call sites that still pass one.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	p.concurrency.Store(int32(newLimit))
	return true
}

func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()
	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimitPerMinute = nil
		p.messageLimiter = nil
		return
	}
	v := *newRateLimitPerMinute
	p.rateLimitPerMinute = &v
	p.messageLimiter = rate.NewLimiter(rate.Limit(float64(v)/60.0), int(p.concurrency.Load()))
}

// controlTick is the control Fsm's wakeup message; its content carries no
// information, the Fsm just needs to know it was woken.
type controlTick struct{}

// controlFsm drives gauge updates and idle-group eviction, replacing the
// gauge-updater ticker goroutine and the per-group idle timers of a
// goroutine-per-group design with a single periodically-woken Fsm.
type controlFsm struct {
	mailbox *batchsystem.Mailbox
}

func (cf *controlFsm) IsStopped() bool                  { return false }
func (cf *controlFsm) GetPriority() batchsystem.Priority { return batchsystem.PriorityNormal }
func (cf *controlFsm) SetPriority(batchsystem.Priority)  {}
func (cf *controlFsm) Kind() string                      { return "control" }

func (cf *controlFsm) TakeMailbox() (*batchsystem.Mailbox, bool) {
	mb := cf.mailbox
	if mb == nil {
		return nil, false
	}
	cf.mailbox = nil
	return mb, true
}

func (cf *controlFsm) SetMailbox(mb *batchsystem.Mailbox) { cf.mailbox = mb }

// groupFsm is one message group's Fsm: its mailbox holds queued
// MessagePointers in arrival order, and its priority tracks whether this
// group has been demoted for repeatedly hitting the pool's rate limit.
type groupFsm struct {
	groupID string
	mailbox *batchsystem.Mailbox

	stopped  bool
	priority batchsystem.Priority

	throttleStreak int
	successStreak  int
	lastActivity   time.Time
}

func (gf *groupFsm) IsStopped() bool                   { return gf.stopped }
func (gf *groupFsm) GetPriority() batchsystem.Priority  { return gf.priority }
func (gf *groupFsm) SetPriority(p batchsystem.Priority) { gf.priority = p }
func (gf *groupFsm) Kind() string                       { return "group" }

func (gf *groupFsm) TakeMailbox() (*batchsystem.Mailbox, bool) {
	mb := gf.mailbox
	if mb == nil {
		return nil, false
	}
	gf.mailbox = nil
	return mb, true
}

func (gf *groupFsm) SetMailbox(mb *batchsystem.Mailbox) { gf.mailbox = mb }

func (gf *groupFsm) recordThrottle() {
	gf.successStreak = 0
	gf.throttleStreak++
	if gf.throttleStreak >= demoteThreshold && gf.priority == batchsystem.PriorityNormal {
		gf.priority = batchsystem.PriorityLow
	}
}

func (gf *groupFsm) recordSuccess() {
	gf.throttleStreak = 0
	gf.successStreak++
	if gf.successStreak >= promoteThreshold && gf.priority == batchsystem.PriorityLow {
		gf.priority = batchsystem.PriorityNormal
		gf.successStreak = 0
	}
}

// poolHandler is the PollHandler built per poller goroutine, serving both
// priority tiers: GetPriority tells the poller which channel it belongs to.
type poolHandler struct {
	pool     *ProcessPool
	priority batchsystem.Priority
}

func (h *poolHandler) Begin(batchSizeHint int, updateCfg func(cfg *batchsystem.Config)) {}

func (h *poolHandler) HandleControl(ctrl batchsystem.Fsm) (int, bool) {
	cf := ctrl.(*controlFsm)
	mb, ok := cf.TakeMailbox()
	if !ok {
		return 0, false
	}
	for {
		if _, has := mb.Pop(); !has {
			break
		}
	}
	h.pool.updateGauges()
	h.pool.sweepIdleGroups()
	length := mb.Len()
	cf.SetMailbox(mb)
	return length, true
}

func (h *poolHandler) HandleNormal(f batchsystem.Fsm) batchsystem.HandleResult {
	gf := f.(*groupFsm)
	mb, ok := gf.TakeMailbox()
	if !ok {
		panic("pool: group fsm has no mailbox")
	}

	raw, has := mb.Pop()
	if !has {
		gf.SetMailbox(mb)
		return batchsystem.StopAt(0, false)
	}

	msg := raw.(*MessagePointer)
	h.pool.processOneMessage(gf, msg)
	gf.lastActivity = time.Now()

	length := mb.Len()
	gf.SetMailbox(mb)
	if length > 0 {
		return batchsystem.KeepProcessing()
	}
	return batchsystem.StopAt(length, false)
}

func (h *poolHandler) LightEnd(batch []*batchsystem.NormalFsm) {}
func (h *poolHandler) End(batch []*batchsystem.NormalFsm)      {}
func (h *poolHandler) Pause()                                  {}
func (h *poolHandler) GetPriority() batchsystem.Priority       { return h.priority }

type poolHandlerBuilder struct {
	pool *ProcessPool
}

func (b *poolHandlerBuilder) Build(priority batchsystem.Priority) batchsystem.PollHandler {
	return &poolHandler{pool: b.pool, priority: priority}
}
