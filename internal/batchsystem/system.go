package batchsystem

import (
	"fmt"
	"log/slog"
	"sync"
)

// joinRegistry records which named pollers have exited their main loop. It
// exists purely for observability; actual shutdown synchronization is done
// with the WaitGroup in BatchSystem.
type joinRegistry struct {
	mu  sync.Mutex
	ids []string
}

func (j *joinRegistry) add(id string) {
	j.mu.Lock()
	j.ids = append(j.ids, id)
	j.mu.Unlock()
}

func (j *joinRegistry) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.ids))
	copy(out, j.ids)
	return out
}

// BatchSystem owns the pollers spawned against a Router's channels. It is
// created once via CreateSystem and started with Spawn; Shutdown is
// idempotent and safe to call from any goroutine, including more than once.
type BatchSystem struct {
	router      *Router
	normalQueue *fsmQueue
	lowQueue    *fsmQueue
	cfg         *Config

	mu         sync.Mutex
	namePrefix string
	workers    sync.WaitGroup
	joinable   *joinRegistry

	errMu sync.Mutex
	errs  []error
}

// CreateSystem builds the shared Router and an unstarted BatchSystem sized
// from cfg. resourceCtl, if non-nil, is wired onto the normal-priority
// channel only; pass nil to run without admission accounting.
func CreateSystem(cfg *Config, controlFsm Fsm, resourceCtl ResourceController) (*Router, *BatchSystem) {
	normalQueue := newFsmQueue()
	lowQueue := newFsmQueue()
	controlBox := NewMailbox(controlFsm)

	router := &Router{
		mailboxes:        make(map[string]*Mailbox),
		controlBox:       controlBox,
		normalScheduler:  &normalScheduler{normalQueue: normalQueue, lowQueue: lowQueue, controller: resourceCtl},
		controlScheduler: &controlScheduler{normalQueue: normalQueue},
		normalQueue:      normalQueue,
		lowQueue:         lowQueue,
		normalConsumers:  cfg.PoolSize(),
		lowConsumers:     cfg.LowPriorityPoolSize(),
	}

	sys := &BatchSystem{
		router:      router,
		normalQueue: normalQueue,
		lowQueue:    lowQueue,
		cfg:         cfg,
		joinable:    &joinRegistry{},
	}
	return router, sys
}

// Spawn starts cfg.PoolSize() normal-priority pollers and
// cfg.LowPriorityPoolSize() low-priority pollers, each built from builder.
// Worker goroutines are named "{namePrefix}-{i}" and "{namePrefix}-low-{i}".
// Spawn must only be called once per BatchSystem.
func (s *BatchSystem) Spawn(namePrefix string, builder HandlerBuilder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namePrefix = namePrefix

	for i := 0; i < s.cfg.PoolSize(); i++ {
		s.startPoller(fmt.Sprintf("%s-%d", namePrefix, i), PriorityNormal, builder)
	}
	for i := 0; i < s.cfg.LowPriorityPoolSize(); i++ {
		s.startPoller(fmt.Sprintf("%s-low-%d", namePrefix, i), PriorityLow, builder)
	}
}

func (s *BatchSystem) startPoller(name string, priority Priority, builder HandlerBuilder) {
	handler := builder.Build(priority)

	receiver := s.normalQueue
	var joinable *joinRegistry
	if priority == PriorityNormal {
		joinable = s.joinable
	} else {
		receiver = s.lowQueue
	}

	poller := &Poller{
		Router:             s.router,
		Receiver:           receiver,
		Handler:            handler,
		MaxBatchSize:       s.cfg.MaxBatchSize(),
		RescheduleDuration: s.cfg.RescheduleDuration(),
		JoinableWorkers:    joinable,
		WorkerID:           name,
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("batchsystem: poller panicked", "worker", name, "panic", r)
				s.recordWorkerError(fmt.Errorf("worker %s panicked: %v", name, r))
			}
		}()
		poller.Poll()
	}()
}

func (s *BatchSystem) recordWorkerError(err error) {
	s.errMu.Lock()
	s.errs = append(s.errs, err)
	s.errMu.Unlock()
}

// Shutdown broadcasts the shutdown signal, waits for every poller to exit,
// and escalates to a safe panic if any poller died from a handler panic
// rather than exiting cleanly. It is idempotent: calling it before Spawn or
// more than once is a no-op.
func (s *BatchSystem) Shutdown() {
	s.mu.Lock()
	name := s.namePrefix
	s.namePrefix = ""
	s.mu.Unlock()
	if name == "" {
		return
	}

	slog.Info("batch system shutting down", "name", name)
	s.router.BroadcastShutdown()
	s.workers.Wait()

	s.errMu.Lock()
	errs := s.errs
	s.errMu.Unlock()
	if len(errs) > 0 {
		last := errs[len(errs)-1]
		slog.Error("batch system joined failed workers", "name", name, "failed_count", len(errs), "last_error", last)
		safePanic("batch system worker failed to shut down cleanly", last)
		return
	}
	slog.Info("batch system stopped", "name", name, "joined_workers", len(s.joinable.snapshot()))
}

func safePanic(msg string, err error) {
	slog.Error("batchsystem: "+msg, "error", err)
	panic(fmt.Sprintf("%s: %v", msg, err))
}
