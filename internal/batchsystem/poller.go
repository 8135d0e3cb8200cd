package batchsystem

import "time"

// Poller drives one goroutine's worth of the batch system: it repeatedly
// fetches a batch of ready FSMs from its receiver, hands each to its
// PollHandler, and disposes of them according to the handler's verdict and
// its own hot-FSM fairness check. One Poller owns exactly one receiver
// channel (normal or low priority) and one Router.
type Poller struct {
	Router             *Router
	Receiver           *fsmQueue
	Handler            PollHandler
	MaxBatchSize       int
	RescheduleDuration time.Duration

	// JoinableWorkers, when non-nil, records WorkerID once this poller's
	// main loop exits. Only normal-priority pollers participate; low
	// priority workers are lifecycle-managed separately, mirroring the
	// original's registry being scoped to the primary pool.
	JoinableWorkers *joinRegistry
	WorkerID        string
}

// fetchFsm tries to make batch non-empty, blocking only if the batch is
// currently empty and the poller has nothing left to do but wait. It returns
// false when it receives a shutdown sentinel, whether or not the batch still
// holds FSMs, the signal for Poll's main loop to stop.
func (p *Poller) fetchFsm(batch *Batch) bool {
	if batch.control != nil {
		return true
	}
	if item, ok := p.Receiver.TryRecv(); ok {
		return batch.Push(item)
	}
	if batch.IsEmpty() {
		p.Handler.Pause()
		item := p.Receiver.Recv()
		return batch.Push(item)
	}
	return !batch.IsEmpty()
}

// Poll runs the poller's main loop until it receives a shutdown sentinel,
// then does a final handoff of anything still resident back onto the
// scheduler channels before returning.
func (p *Poller) Poll() {
	if p.JoinableWorkers != nil {
		defer p.JoinableWorkers.add(p.WorkerID)
	}

	batch := NewBatch(p.MaxBatchSize)
	rescheduleFsms := make([]int, 0, p.MaxBatchSize)
	toSkipEnd := make([]int, 0, p.MaxBatchSize)
	run := true

	for run && p.fetchFsm(batch) {
		maxBatchSize := p.MaxBatchSize
		if len(batch.normals) > maxBatchSize {
			maxBatchSize = len(batch.normals)
		}
		p.Handler.Begin(maxBatchSize, func(cfg *Config) {
			p.MaxBatchSize = cfg.MaxBatchSize()
			p.RescheduleDuration = cfg.RescheduleDuration()
		})
		if len(batch.normals) > p.MaxBatchSize {
			maxBatchSize = len(batch.normals)
		} else {
			maxBatchSize = p.MaxBatchSize
		}

		if batch.control != nil {
			length, ok := p.Handler.HandleControl(batch.control)
			if batch.control.IsStopped() {
				batch.RemoveControl(p.Router)
			} else if ok {
				batch.ReleaseControl(p.Router, length)
			}
		}

		hotCount := 0
		for i, nf := range batch.normals {
			if nf == nil {
				continue
			}
			res := p.Handler.HandleNormal(nf.Fsm)
			switch {
			case nf.IsStopped():
				nf.policy = reschedulePolicy{kind: policyRemove}
				rescheduleFsms = append(rescheduleFsms, i)
			case nf.GetPriority() != p.Handler.GetPriority():
				nf.policy = reschedulePolicy{kind: policySchedule, reason: "priority_mismatch"}
				rescheduleFsms = append(rescheduleFsms, i)
			default:
				rescheduled := false
				if time.Since(nf.Timer) >= p.RescheduleDuration {
					hotCount++
					if hotCount%2 == 0 {
						nf.policy = reschedulePolicy{kind: policySchedule, reason: "hot"}
						rescheduleFsms = append(rescheduleFsms, i)
						rescheduled = true
					}
				}
				if !rescheduled && !res.keepProcessing() {
					nf.policy = reschedulePolicy{kind: policyRelease, progress: res.progress}
					rescheduleFsms = append(rescheduleFsms, i)
					if res.skipEnd {
						toSkipEnd = append(toSkipEnd, i)
					}
				}
			}
		}

		fsmCnt := len(batch.normals)
		for len(batch.normals) < maxBatchSize {
			if item, ok := p.Receiver.TryRecv(); ok {
				run = batch.Push(item)
			}
			if !run || fsmCnt >= len(batch.normals) {
				break
			}
			nf := batch.normals[fsmCnt]
			res := p.Handler.HandleNormal(nf.Fsm)
			if nf.IsStopped() {
				nf.policy = reschedulePolicy{kind: policyRemove}
				rescheduleFsms = append(rescheduleFsms, fsmCnt)
			} else if !res.keepProcessing() {
				nf.policy = reschedulePolicy{kind: policyRelease, progress: res.progress}
				rescheduleFsms = append(rescheduleFsms, fsmCnt)
				if res.skipEnd {
					toSkipEnd = append(toSkipEnd, fsmCnt)
				}
			}
			fsmCnt++
		}

		p.Handler.LightEnd(batch.normals)
		for _, idx := range toSkipEnd {
			batch.Schedule(p.Router, idx)
		}
		toSkipEnd = toSkipEnd[:0]
		p.Handler.End(batch.normals)

		batch.TickRound()
		for i := len(rescheduleFsms) - 1; i >= 0; i-- {
			idx := rescheduleFsms[i]
			batch.Schedule(p.Router, idx)
			batch.SwapReclaim(idx)
		}
		rescheduleFsms = rescheduleFsms[:0]
	}

	if batch.control != nil {
		p.Router.ScheduleControl(batch.control)
		batch.control = nil
	}
	for _, nf := range batch.normals {
		if nf != nil {
			p.Router.Schedule(nf.Fsm)
		}
	}
	batch.Clear()
}
