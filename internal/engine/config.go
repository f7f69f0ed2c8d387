package engine

import (
	"runtime"
	"time"
)

// DefaultMaxLoopIterations bounds Loop nodes that do not set max_iterations.
const DefaultMaxLoopIterations = 10000

// Config holds executor-wide settings.
type Config struct {
	// MaxParallelism caps concurrently running nodes of one execution. A flow's
	// own max_parallelism can only lower it. Zero means runtime.NumCPU().
	MaxParallelism int
	// MaxLoopIterations applies to Loop nodes without max_iterations.
	MaxLoopIterations int
	// DefaultNodeTimeout applies to nodes without a timeout. Zero disables it.
	DefaultNodeTimeout time.Duration
	// Tenant and User are injected as $tenant_id and $user_id unless the run
	// options override them.
	Tenant string
	User   string
}

func (c Config) withDefaults() Config {
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = runtime.NumCPU()
	}
	if c.MaxLoopIterations <= 0 {
		c.MaxLoopIterations = DefaultMaxLoopIterations
	}
	return c
}

// parallelism returns the pool size for a flow.
func (c Config) parallelism(flowLimit int) int {
	if flowLimit > 0 && flowLimit < c.MaxParallelism {
		return flowLimit
	}
	return c.MaxParallelism
}
