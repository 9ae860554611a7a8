package engine

import (
	"fmt"
	"sync"
	"time"
)

// Stage identifies one phase of the search pipeline for budget accounting.
type Stage string

const (
	StageCache    Stage = "cache"
	StageFastPath Stage = "fastpath"
	StageSlowPath Stage = "slowpath"
)

// BudgetConfig carries the per-stage time allowances. Zero values fall back
// to the defaults via the accessor methods.
type BudgetConfig struct {
	// Total is the hard wall-clock limit for the whole request.
	Total time.Duration
	// Cache, FastPath and SlowPath are the per-stage allowances. Their sum
	// must not exceed Total.
	Cache    time.Duration
	FastPath time.Duration
	SlowPath time.Duration
	// MinRemaining is the floor under which the budget counts as exhausted:
	// starting a new stage with less than this left is not worth it.
	MinRemaining time.Duration
}

func (c BudgetConfig) total() time.Duration {
	if c.Total <= 0 {
		return 12 * time.Second
	}
	return c.Total
}

func (c BudgetConfig) cache() time.Duration {
	if c.Cache <= 0 {
		return 500 * time.Millisecond
	}
	return c.Cache
}

func (c BudgetConfig) fastPath() time.Duration {
	if c.FastPath <= 0 {
		return 4 * time.Second
	}
	return c.FastPath
}

func (c BudgetConfig) slowPath() time.Duration {
	if c.SlowPath <= 0 {
		return 6500 * time.Millisecond
	}
	return c.SlowPath
}

func (c BudgetConfig) minRemaining() time.Duration {
	if c.MinRemaining <= 0 {
		return time.Second
	}
	return c.MinRemaining
}

func (c BudgetConfig) stage(s Stage) time.Duration {
	switch s {
	case StageCache:
		return c.cache()
	case StageFastPath:
		return c.fastPath()
	case StageSlowPath:
		return c.slowPath()
	default:
		return 0
	}
}

// Checkpoint is one named timing mark recorded during a request.
type Checkpoint struct {
	Name    string        `json:"name"`
	Elapsed time.Duration `json:"elapsed"`
}

// Budget tracks the wall-clock allowance of a single search request. It is
// created per request and safe for use from the goroutines the orchestrator
// spawns for that request.
type Budget struct {
	cfg BudgetConfig
	now func() time.Time

	start time.Time

	mu     sync.Mutex
	points []Checkpoint
}

// NewBudget validates cfg and returns an unstarted budget. The clock does
// not run until Start is called.
func NewBudget(cfg BudgetConfig) (*Budget, error) {
	sum := cfg.cache() + cfg.fastPath() + cfg.slowPath()
	if sum > cfg.total() {
		return nil, fmt.Errorf("budget: stage allowances %v exceed total %v", sum, cfg.total())
	}
	return &Budget{cfg: cfg, now: time.Now}, nil
}

// Start begins the wall clock. Calling it twice resets the clock, which no
// caller should do; the orchestrator starts the budget exactly once per
// request before the cache lookup.
func (b *Budget) Start() {
	b.start = b.now()
}

// Elapsed reports time spent since Start.
func (b *Budget) Elapsed() time.Duration {
	if b.start.IsZero() {
		return 0
	}
	return b.now().Sub(b.start)
}

// Remaining reports how much of the total allowance is left, clamped at zero.
func (b *Budget) Remaining() time.Duration {
	rem := b.cfg.total() - b.Elapsed()
	if rem < 0 {
		return 0
	}
	return rem
}

// TimeoutFor returns the deadline to give stage s right now: the stage
// allowance, shrunk to whatever remains of the total.
func (b *Budget) TimeoutFor(s Stage) time.Duration {
	alloc := b.cfg.stage(s)
	if rem := b.Remaining(); rem < alloc {
		return rem
	}
	return alloc
}

// CanRun reports whether stage s still has its full allowance available.
// Stages degrade before they disappear: a stage may still be attempted with
// TimeoutFor even when CanRun is false, as long as the budget is not
// exhausted.
func (b *Budget) CanRun(s Stage) bool {
	return b.Remaining() >= b.cfg.stage(s)
}

// IsExhausted reports whether so little time remains that starting any new
// work would be pointless.
func (b *Budget) IsExhausted() bool {
	return b.Remaining() < b.cfg.minRemaining()
}

// Checkpoint records a named timing mark for the final report.
func (b *Budget) Checkpoint(name string) {
	cp := Checkpoint{Name: name, Elapsed: b.Elapsed()}
	b.mu.Lock()
	b.points = append(b.points, cp)
	b.mu.Unlock()
}

// Report returns the recorded checkpoints in order.
func (b *Budget) Report() []Checkpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Checkpoint, len(b.points))
	copy(out, b.points)
	return out
}
