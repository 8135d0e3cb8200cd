package batchsystem

// HandleResult is a handler's verdict for one normal Fsm in one round.
type HandleResult struct {
	keep     bool
	progress int
	skipEnd  bool
}

// KeepProcessing tells the poller this Fsm should stay in the batch for
// another round rather than being released back to its mailbox.
func KeepProcessing() HandleResult {
	return HandleResult{keep: true}
}

// StopAt tells the poller the handler is done with this Fsm for now. progress
// is compared against the Fsm's mailbox length at release time to detect a
// producer race (see Batch.release). skipEnd excludes this Fsm from the
// handler's End callback for the round, useful when the handler already
// finalized per-Fsm bookkeeping for it in the mid-round intake loop.
func StopAt(progress int, skipEnd bool) HandleResult {
	return HandleResult{progress: progress, skipEnd: skipEnd}
}

func (r HandleResult) keepProcessing() bool { return r.keep }

// PollHandler is invoked by a Poller in a fixed order every round: Begin,
// then HandleControl at most once, then HandleNormal once per resident
// normal Fsm (and again for any newly admitted mid-round), then LightEnd,
// then End. Pause is called when the poller is about to block waiting for
// more work. Implementations are built per-poller by a HandlerBuilder, so
// they may hold poller-local state (batching buffers, cached config) without
// any synchronization.
type PollHandler interface {
	// Begin starts a round. batchSizeHint is the larger of the configured
	// max batch size and the number of FSMs already resident (a round in
	// progress is never truncated below its current occupancy). updateCfg,
	// if the handler calls it, lets a config-sync component push a new
	// Config down into the poller (e.g. a live max-batch-size change)
	// without restarting it.
	Begin(batchSizeHint int, updateCfg func(cfg *Config))

	// HandleControl processes the control Fsm, if one is resident. length is
	// the control mailbox's observed message count after processing (used by
	// Batch.ReleaseControl's race check) and ok is false if the handler
	// wants to keep the control Fsm in the batch rather than release it.
	HandleControl(ctrl Fsm) (length int, ok bool)

	// HandleNormal processes one normal Fsm.
	HandleNormal(n Fsm) HandleResult

	// LightEnd runs after every resident Fsm has been handled but before
	// skip-end FSMs are rescheduled, for cheap per-round bookkeeping that
	// doesn't need the full batch.
	LightEnd(batch []*NormalFsm)

	// End runs after LightEnd and skip-end rescheduling, with every non-nil
	// and non-skip-end Fsm still resident.
	End(batch []*NormalFsm)

	// Pause is called before the poller blocks waiting for its next Fsm.
	Pause()

	// GetPriority reports which channel this handler's poller is attached
	// to, so the poller can detect an Fsm priority mismatch.
	GetPriority() Priority
}

// HandlerBuilder constructs one PollHandler per poller goroutine.
type HandlerBuilder interface {
	Build(priority Priority) PollHandler
}
