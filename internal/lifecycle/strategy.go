package lifecycle

import (
	"context"
	"time"
)

// State of the orchestrator.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDegraded
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDisposed:
		return "disposed"
	default:
		return "invalid"
	}
}

// Strategy names an initialization plan.
type Strategy string

const (
	StrategyColdStart   Strategy = "cold_start"
	StrategyWarmRestart Strategy = "warm_restart"
	StrategyRecovery    Strategy = "recovery"
	StrategyTestMode    Strategy = "test_mode"
)

// DefaultWarmThreshold: a restart within this window of the previous init is
// treated as warm.
const DefaultWarmThreshold = 15 * time.Minute

// InitContext carries the launch circumstances strategy selection keys on.
type InitContext struct {
	FirstLaunch   bool
	PreviousError bool
	LastInitAt    time.Time
	TestMode      bool
}

// SelectStrategy picks the initialization strategy for the given context.
func SelectStrategy(ictx InitContext, now time.Time, warmThreshold time.Duration) Strategy {
	if warmThreshold <= 0 {
		warmThreshold = DefaultWarmThreshold
	}
	switch {
	case ictx.TestMode:
		return StrategyTestMode
	case ictx.PreviousError:
		return StrategyRecovery
	case !ictx.FirstLaunch && !ictx.LastInitAt.IsZero() && now.Sub(ictx.LastInitAt) < warmThreshold:
		return StrategyWarmRestart
	default:
		return StrategyColdStart
	}
}

// Step is one initialization action. Strategies are ordered lists of steps,
// not subclass hierarchies, so the ordering stays data and stays testable.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// steps returns the ordered step list for a strategy.
func (o *Orchestrator) steps(strategy Strategy) []Step {
	load := Step{"load_content", o.stepLoadContent}
	schema := Step{"validate_schema", o.stepValidateSchema}
	integrity := Step{"verify_integrity", o.stepVerifyIntegrity}
	scheduler := Step{"start_scheduler", o.stepStartScheduler}
	syncStart := Step{"start_sync", o.stepStartSync}
	maint := Step{"start_maintenance", o.stepStartMaintenance}

	switch strategy {
	case StrategyWarmRestart:
		// Schema was validated minutes ago; skip straight to services.
		return []Step{load, scheduler, syncStart, maint}
	case StrategyRecovery:
		return []Step{load, schema, integrity, scheduler, syncStart, maint}
	case StrategyTestMode:
		// No timers, no workers: deterministic state for tests.
		return []Step{load, schema}
	default: // StrategyColdStart
		return []Step{load, schema, scheduler, syncStart, maint}
	}
}
