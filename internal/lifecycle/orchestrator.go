// Package lifecycle owns service startup and teardown ordering, every timer
// in the engine, and the epoch counter that fences stale async callbacks
// after a restart.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dayfeed/internal/clock"
	"dayfeed/internal/connectivity"
	"dayfeed/internal/content"
	"dayfeed/internal/diagnostics"
	"dayfeed/internal/feed"
	"dayfeed/internal/maintenance"
	"dayfeed/internal/provider"
	"dayfeed/internal/schedule"
	"dayfeed/internal/syncq"
)

// ErrInitInFlight is returned when Initialize is called while another
// initialize or dispose sequence is running.
var ErrInitInFlight = errors.New("initialization already in flight")

// Provider is the slice of the content backend the orchestrator fetches
// through.
type Provider interface {
	FetchLatest(ctx context.Context, params provider.FetchParams) (feed.ContentItem, error)
}

// Deps are the concrete services the orchestrator owns and sequences.
// Explicit wiring, no service locator: every collaborator arrives here.
type Deps struct {
	Store       *content.Store
	Queue       *syncq.Coordinator
	Maintenance *maintenance.Engine
	Scheduler   *schedule.Scheduler
	Provider    Provider
	Monitor     *connectivity.Monitor // optional
	Stats       *diagnostics.Stats    // optional
	Perf        *diagnostics.Perf     // optional
	Health      *diagnostics.Health   // optional
	KV          io.Closer             // optional; closed last on dispose
	Clock       clock.Clock
	Logger      *slog.Logger
}

// DefaultDriftCheckInterval is the cadence of the lightweight timezone
// drift poll between refresh boundaries.
const DefaultDriftCheckInterval = 30 * time.Second

// Config tunes the orchestrator.
type Config struct {
	WarmThreshold      time.Duration
	DriftCheckInterval time.Duration
	FetchParams        provider.FetchParams
}

// InitReport records what an initialization did, for diagnostics.
type InitReport struct {
	Strategy       Strategy      `json:"strategy"`
	StepsCompleted []string      `json:"steps_completed"`
	FailedStep     string        `json:"failed_step,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	State          string        `json:"state"`
}

// Orchestrator is the single logical owner of a cache instance.
type Orchestrator struct {
	deps Deps
	cfg  Config

	epoch atomic.Int64

	// seqMu serializes the initialize and dispose sequences end to end.
	// Without it a Dispose racing an in-flight Initialize could be
	// overwritten by the initialize finishing afterwards.
	seqMu sync.Mutex

	mu           sync.Mutex
	state        State
	report       InitReport
	cancel       context.CancelFunc
	refreshTimer *time.Timer
	wg           sync.WaitGroup

	refreshTasks chan task
}

type task struct {
	epoch int64
	run   func()
}

// New creates an Orchestrator over the given services.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.WarmThreshold <= 0 {
		cfg.WarmThreshold = DefaultWarmThreshold
	}
	if cfg.DriftCheckInterval <= 0 {
		cfg.DriftCheckInterval = DefaultDriftCheckInterval
	}
	return &Orchestrator{
		deps: deps,
		cfg:  cfg,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Epoch returns the current epoch. Async callbacks capture it at schedule
// time and discard their result if it has advanced.
func (o *Orchestrator) Epoch() int64 { return o.epoch.Load() }

// Report returns the last initialization report.
func (o *Orchestrator) Report() InitReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.report
}

// Initialize selects a strategy, runs its steps in order and arms the
// refresh timer. A failing step never fails initialization outright: the
// orchestrator falls back to a minimal sequence that keeps the content
// store readable and lands in the degraded state.
func (o *Orchestrator) Initialize(ctx context.Context, ictx InitContext) (InitReport, error) {
	if !o.seqMu.TryLock() {
		return InitReport{}, ErrInitInFlight
	}
	defer o.seqMu.Unlock()

	o.mu.Lock()
	if o.state == StateReady || o.state == StateDegraded {
		report := o.report
		o.mu.Unlock()
		return report, nil
	}
	o.state = StateInitializing
	o.epoch.Add(1)
	svcCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.refreshTasks = make(chan task, 16)
	o.mu.Unlock()

	start := o.deps.Clock.Now()
	strategy := SelectStrategy(ictx, start, o.cfg.WarmThreshold)
	report := InitReport{Strategy: strategy}

	o.startWorker(svcCtx)

	failed := false
	for _, step := range o.steps(strategy) {
		if err := step.Run(svcCtx); err != nil {
			o.deps.Logger.Error("init step failed, falling back to minimal sequence",
				"strategy", string(strategy), "step", step.Name, "error", err)
			report.FailedStep = step.Name
			report.Error = err.Error()
			failed = true
			break
		}
		report.StepsCompleted = append(report.StepsCompleted, step.Name)
	}

	if failed {
		o.minimalInit(svcCtx)
	}

	if strategy != StrategyTestMode {
		o.armRefreshTimer()
	}

	report.Duration = o.deps.Clock.Now().Sub(start)

	o.mu.Lock()
	if failed {
		o.state = StateDegraded
	} else {
		o.state = StateReady
	}
	report.State = o.state.String()
	o.report = report
	o.mu.Unlock()

	o.deps.Logger.Info("initialized",
		"strategy", string(strategy), "state", report.State,
		"steps", len(report.StepsCompleted), "duration", report.Duration)
	return report, nil
}

// minimalInit is the fallback path: content must stay readable even when a
// subsystem refused to start.
func (o *Orchestrator) minimalInit(ctx context.Context) {
	if err := o.deps.Store.Load(); err != nil {
		// The store serves from memory; an empty readable cache beats a
		// failed init.
		o.deps.Logger.Warn("minimal init: store load failed, serving in-memory state", "error", err)
	}
}

// --- initialization steps ---

func (o *Orchestrator) stepLoadContent(ctx context.Context) error {
	if err := o.deps.Store.Load(); err != nil {
		return fmt.Errorf("loading content state: %w", err)
	}
	if o.deps.Queue != nil {
		if err := o.deps.Queue.Load(); err != nil {
			return fmt.Errorf("loading pending queue: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) stepValidateSchema(ctx context.Context) error {
	if o.deps.Maintenance == nil {
		return nil
	}
	if err := o.deps.Maintenance.Migrate(); err != nil {
		return fmt.Errorf("validating schema: %w", err)
	}
	return nil
}

func (o *Orchestrator) stepVerifyIntegrity(ctx context.Context) error {
	// Recovery runs a full maintenance pass up front so a previous crash
	// cannot leave limits unenforced.
	if o.deps.Maintenance == nil {
		return nil
	}
	return o.deps.Maintenance.RunOnce(ctx)
}

func (o *Orchestrator) stepStartScheduler(ctx context.Context) error {
	if o.deps.Monitor != nil {
		o.goRun(func() { o.deps.Monitor.Run(ctx) })
	}
	epoch := o.epoch.Load()
	o.goRun(func() { o.driftLoop(ctx, epoch) })
	return nil
}

// driftLoop polls for timezone changes between refresh boundaries. A device
// moving zones mid-day gets its timer re-armed to the new zone's midnight
// instead of waiting for the old boundary to fire first.
func (o *Orchestrator) driftLoop(ctx context.Context, epoch int64) {
	ticker := time.NewTicker(o.cfg.DriftCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.submitRefreshTask(epoch, func() { o.handleDriftCheck(epoch) })
		}
	}
}

// handleDriftCheck runs on the refresh worker. On drift it refreshes stale
// content immediately and recomputes the refresh boundary against the new
// zone.
func (o *Orchestrator) handleDriftCheck(epoch int64) {
	if epoch != o.epoch.Load() {
		return
	}

	drifted, refreshNow := o.deps.Scheduler.CheckDrift(o.deps.Store.Stale())
	if !drifted {
		return
	}
	if refreshNow {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := o.refresh(ctx, epoch); err != nil {
			o.deps.Logger.Warn("drift refresh failed, serving fallback", "error", err)
		}
		cancel()
	}
	o.armRefreshTimer()
}

func (o *Orchestrator) stepStartSync(ctx context.Context) error {
	if o.deps.Queue == nil {
		return nil
	}
	o.goRun(func() { o.deps.Queue.Run(ctx) })
	return nil
}

func (o *Orchestrator) stepStartMaintenance(ctx context.Context) error {
	if o.deps.Maintenance == nil {
		return nil
	}
	o.goRun(func() { o.deps.Maintenance.Run(ctx) })
	return nil
}

func (o *Orchestrator) goRun(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// startWorker runs the single-worker refresh task queue. Timer callbacks
// only enqueue here; all refresh work is serialized on this goroutine.
func (o *Orchestrator) startWorker(ctx context.Context) {
	tasks := o.refreshTasks
	o.goRun(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-tasks:
				if t.epoch != o.epoch.Load() {
					// Scheduled before a dispose/init cycle; stale.
					continue
				}
				t.run()
			}
		}
	})
}

func (o *Orchestrator) submitRefreshTask(epoch int64, run func()) {
	o.mu.Lock()
	tasks := o.refreshTasks
	o.mu.Unlock()
	if tasks == nil {
		return
	}
	select {
	case tasks <- task{epoch: epoch, run: run}:
	default:
		o.deps.Logger.Warn("refresh task queue full, dropping task")
	}
}

// armRefreshTimer schedules the next refresh tick from the scheduler's
// boundary computation.
func (o *Orchestrator) armRefreshTimer() {
	next := o.deps.Scheduler.NextRefresh()
	delay := next.Sub(o.deps.Clock.Now())
	if delay < time.Minute {
		delay = time.Minute
	}
	epoch := o.epoch.Load()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateDisposed {
		return
	}
	if o.refreshTimer != nil {
		o.refreshTimer.Stop()
	}
	o.refreshTimer = time.AfterFunc(delay, func() {
		o.submitRefreshTask(epoch, func() { o.handleRefreshTick(epoch) })
	})
	o.deps.Logger.Info("refresh scheduled", "at", next, "in", delay)
}

// handleRefreshTick runs on the refresh worker at each boundary: it updates
// the timezone snapshot, refreshes stale content and re-arms the timer.
func (o *Orchestrator) handleRefreshTick(epoch int64) {
	if epoch != o.epoch.Load() {
		return
	}

	stale := o.deps.Store.Stale()
	_, driftRefresh := o.deps.Scheduler.CheckDrift(stale)

	if stale || driftRefresh {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := o.refresh(ctx, epoch); err != nil {
			// Content keeps serving through the fallback chain.
			o.deps.Logger.Warn("scheduled refresh failed, serving fallback", "error", err)
		}
		cancel()
	}

	o.armRefreshTimer()
}

// refresh fetches the latest content and installs it. The epoch is
// re-checked after the network call so a dispose during the fetch discards
// the result instead of mutating state.
func (o *Orchestrator) refresh(ctx context.Context, epoch int64) error {
	fetch := func() (feed.ContentItem, error) {
		return o.deps.Provider.FetchLatest(ctx, o.cfg.FetchParams)
	}

	var item feed.ContentItem
	var err error
	if o.deps.Perf != nil {
		perr := o.deps.Perf.Track(diagnostics.CategoryFetch, func() error {
			item, err = fetch()
			return err
		})
		err = perr
	} else {
		item, err = fetch()
	}
	if o.deps.Stats != nil {
		o.deps.Stats.RecordFetch(err)
	}
	if err != nil {
		return err
	}

	if epoch != o.epoch.Load() {
		o.deps.Logger.Debug("discarding fetch result from stale epoch")
		return nil
	}

	// Day rollover: keep the outgoing item reachable as the previous-day
	// fallback before the new one takes over.
	if o.deps.Store.Stale() {
		if aerr := o.deps.Store.ArchiveCurrent(); aerr != nil {
			o.deps.Logger.Warn("archiving current item failed", "error", aerr)
		}
	}

	put := func() error { return o.deps.Store.Put(item) }
	if o.deps.Perf != nil {
		return o.deps.Perf.Track(diagnostics.CategoryPut, put)
	}
	return put()
}

// --- caller surface ---

// GetCurrentContent returns the best available item: current, previous-day
// fallback, newest history entry, or nil.
func (o *Orchestrator) GetCurrentContent() *feed.ContentItem {
	return o.deps.Store.Get()
}

// GetHistory returns up to limit history entries, oldest first.
func (o *Orchestrator) GetHistory(limit int) []feed.HistoryEntry {
	return o.deps.Store.History(limit)
}

// RefreshNow forces a provider fetch regardless of staleness.
func (o *Orchestrator) RefreshNow(ctx context.Context) error {
	if state := o.State(); state == StateDisposed || state == StateUninitialized {
		return fmt.Errorf("cannot refresh in state %s", state)
	}
	return o.refresh(ctx, o.epoch.Load())
}

// EnqueueInteraction queues a write-through operation for the sync
// coordinator and returns its id. The drain worker picks it up immediately
// when online.
func (o *Orchestrator) EnqueueInteraction(payload []byte) (string, error) {
	if o.deps.Queue == nil {
		return "", errors.New("sync queue not configured")
	}
	return o.deps.Queue.Enqueue(payload)
}

// DrainNow triggers an immediate queue drain.
func (o *Orchestrator) DrainNow(ctx context.Context) error {
	if o.deps.Queue == nil {
		return errors.New("sync queue not configured")
	}
	if o.deps.Perf != nil {
		return o.deps.Perf.Track(diagnostics.CategoryDrain, func() error {
			return o.deps.Queue.Drain(ctx)
		})
	}
	return o.deps.Queue.Drain(ctx)
}

// RunMaintenanceNow triggers an on-demand maintenance pass.
func (o *Orchestrator) RunMaintenanceNow(ctx context.Context) error {
	if o.deps.Maintenance == nil {
		return errors.New("maintenance not configured")
	}
	return o.deps.Maintenance.RunOnce(ctx)
}

// GetHealthReport never fails; with no reporter wired it returns an unknown
// report.
func (o *Orchestrator) GetHealthReport() diagnostics.HealthReport {
	if o.deps.Health == nil {
		return diagnostics.HealthReport{Status: diagnostics.StatusUnknown, GeneratedAt: o.deps.Clock.Now()}
	}
	return o.deps.Health.Report()
}

// GetStatsReport returns the rolling counters.
func (o *Orchestrator) GetStatsReport() diagnostics.StatsReport {
	if o.deps.Stats == nil {
		return diagnostics.StatsReport{GeneratedAt: o.deps.Clock.Now()}
	}
	return o.deps.Stats.Report()
}

// GetPerformanceReport returns timing percentiles and process stats.
func (o *Orchestrator) GetPerformanceReport() diagnostics.PerfReport {
	if o.deps.Perf == nil {
		return diagnostics.PerfReport{GeneratedAt: o.deps.Clock.Now()}
	}
	return o.deps.Perf.Report()
}

// Dispose cancels every owned timer first, advances the epoch so in-flight
// callbacks discard their results, then tears services down in reverse
// dependency order. One broken teardown never blocks the others. Idempotent.
// An in-flight Initialize finishes before teardown starts, so a disposed
// orchestrator can never be resurrected by a late state transition.
func (o *Orchestrator) Dispose() {
	o.seqMu.Lock()
	defer o.seqMu.Unlock()

	o.mu.Lock()
	if o.state == StateDisposed || o.state == StateUninitialized {
		o.mu.Unlock()
		return
	}

	// Timers go first, always before service teardown.
	if o.refreshTimer != nil {
		o.refreshTimer.Stop()
		o.refreshTimer = nil
	}
	o.epoch.Add(1)
	cancel := o.cancel
	o.cancel = nil
	o.refreshTasks = nil
	o.state = StateDisposed
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	// Reverse dependency order; failures are logged and skipped.
	if o.deps.KV != nil {
		if err := o.deps.KV.Close(); err != nil {
			o.deps.Logger.Warn("closing store failed", "error", err)
		}
	}

	o.deps.Logger.Info("disposed", "epoch", o.epoch.Load())
}
