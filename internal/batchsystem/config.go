package batchsystem

import (
	"sync/atomic"
	"time"
)

// Config holds the batch system's refreshable tuning knobs. MaxBatchSize and
// RescheduleDuration are read atomically so a config-sync loop can push
// updates into running pollers without restarting them. Pool sizes are
// fixed at construction: resizing a running pool's goroutine count is out of
// scope.
type Config struct {
	maxBatchSize       atomic.Int64
	rescheduleDuration atomic.Int64

	poolSize            int
	lowPriorityPoolSize int
}

// NewConfig builds a Config. rescheduleDuration is the fairness threshold: a
// normal Fsm resident in a batch longer than this is a hot-FSM candidate for
// rebalancing.
func NewConfig(maxBatchSize int, rescheduleDuration time.Duration, poolSize, lowPriorityPoolSize int) *Config {
	cfg := &Config{poolSize: poolSize, lowPriorityPoolSize: lowPriorityPoolSize}
	cfg.maxBatchSize.Store(int64(maxBatchSize))
	cfg.rescheduleDuration.Store(int64(rescheduleDuration))
	return cfg
}

func (c *Config) MaxBatchSize() int { return int(c.maxBatchSize.Load()) }

// SetMaxBatchSize updates the live max batch size. A poller picks it up at
// its next Begin call, and only if its handler passes this Config to the
// updateCfg callback.
func (c *Config) SetMaxBatchSize(n int) { c.maxBatchSize.Store(int64(n)) }

func (c *Config) RescheduleDuration() time.Duration {
	return time.Duration(c.rescheduleDuration.Load())
}

// SetRescheduleDuration updates the live hot-FSM threshold.
func (c *Config) SetRescheduleDuration(d time.Duration) {
	c.rescheduleDuration.Store(int64(d))
}

func (c *Config) PoolSize() int            { return c.poolSize }
func (c *Config) LowPriorityPoolSize() int { return c.lowPriorityPoolSize }
