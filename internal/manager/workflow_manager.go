package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"snapdrop/internal/events"
	"snapdrop/internal/logging"
	"snapdrop/internal/metrics"
	"snapdrop/internal/state"
	"snapdrop/internal/workflow"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind names a workflow
type Kind string

const (
	KindProvision Kind = "provision"
	KindDestroy   Kind = "destroy"
)

// ErrShutdown is returned for requests submitted after Shutdown
var ErrShutdown = errors.New("manager is shutting down")

// Engine runs the droplet workflows
type Engine interface {
	Provision(ctx context.Context) workflow.Outcome
	Destroy(ctx context.Context) workflow.Outcome
	Status(ctx context.Context) workflow.Outcome
}

// EngineFactory creates an Engine for one invocation
type EngineFactory func(opts ...workflow.Option) Engine

// OrchestratorFactory adapts an Orchestrator to an EngineFactory
func OrchestratorFactory(o *workflow.Orchestrator) EngineFactory {
	return func(opts ...workflow.Option) Engine {
		return o.With(opts...)
	}
}

// Request is a queued workflow invocation
type Request struct {
	Kind      Kind
	Requester string

	// Reply receives the final outcome, or the busy failure
	Reply func(workflow.Outcome)

	// Progress receives stage transitions, may be nil
	Progress workflow.Observer
}

// Options holds the manager's collaborators. Nil fields get in-process
// defaults.
type Options struct {
	Locker    Locker
	States    StateManager
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	PoolSize  int
}

// Manager serializes workflows on a droplet and records their runs
type Manager struct {
	engines   EngineFactory
	key       string
	locker    Locker
	states    StateManager
	publisher events.Publisher
	metrics   *metrics.Metrics
	pool      pond.Pool

	// mu orders pool submissions against Shutdown and guards active
	mu       sync.Mutex
	active   Kind
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewManager creates a Manager guarding the droplet named key
func NewManager(engines EngineFactory, key string, opts Options) *Manager {
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.States == nil {
		opts.States = state.New("")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engines:   engines,
		key:       key,
		locker:    opts.Locker,
		states:    opts.States,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		pool:      pond.NewPool(opts.PoolSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit queues a workflow and returns without waiting for it. The guard is
// taken before queueing: a busy droplet is answered immediately through
// req.Reply and ErrBusy is returned.
func (m *Manager) Submit(ctx context.Context, req Request) error {
	reply := req.Reply
	if reply == nil {
		reply = func(workflow.Outcome) {}
	}

	if m.ctx.Err() != nil {
		reply(workflow.Failure("Shutting down, try again later."))
		return ErrShutdown
	}

	unlock, out, err := m.acquire(ctx, req.Kind, req.Requester)
	if err != nil {
		reply(out)
		return err
	}

	run := newRun(req.Kind, req.Requester)
	queued := m.enqueue(func() {
		defer unlock()
		reply(m.execute(m.ctx, run, req.Progress))
	})
	if !queued {
		unlock()
		reply(workflow.Failure("Shutting down, try again later."))
		return ErrShutdown
	}
	return nil
}

// enqueue hands task to the pool unless Shutdown has begun. A stopped pool
// drops tasks silently, so the check and the submission share m.mu.
func (m *Manager) enqueue(task func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return false
	}
	m.pool.Submit(task)
	return true
}

// Run executes a workflow and waits for its outcome
func (m *Manager) Run(ctx context.Context, kind Kind, requester string) workflow.Outcome {
	unlock, out, err := m.acquire(ctx, kind, requester)
	if err != nil {
		return out
	}
	defer unlock()

	return m.execute(ctx, newRun(kind, requester), nil)
}

// Status describes the droplet and the most recent run
func (m *Manager) Status(ctx context.Context) string {
	lines := []string{m.engines().Status(ctx).Message}

	run, ok, err := LastRun(ctx, m.states, "")
	if err != nil {
		logging.Logger().Warn("Failed to read run history", zap.Error(err))
	} else if ok {
		lines = append(lines, DescribeRun(run, time.Now()))
	}
	return strings.Join(lines, "\n")
}

// Shutdown cancels running workflows and waits for the pool to drain
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.cancel()
		m.mu.Unlock()
		m.pool.StopAndWait()
	})
}

// acquire takes the droplet guard. On failure it returns the outcome to
// report and records the rejection.
func (m *Manager) acquire(ctx context.Context, kind Kind, requester string) (func(), workflow.Outcome, error) {
	unlock, err := m.locker.TryLock(ctx, m.key)
	if err == nil {
		m.setActive(kind)
		var once sync.Once
		return func() {
			once.Do(func() {
				m.setActive("")
				unlock()
			})
		}, workflow.Outcome{}, nil
	}

	if !errors.Is(err, ErrBusy) {
		logging.Logger().Error("Failed to acquire workflow lock",
			zap.String("kind", string(kind)),
			zap.Error(err))
		return nil, workflow.Failure("Could not check for a running workflow, try again later."), err
	}

	logging.Logger().Info("Rejected workflow, another one is in progress",
		zap.String("kind", string(kind)),
		zap.String("requester", requester))
	m.metrics.Rejected(string(kind))

	run := newRun(kind, requester)
	run.Status = state.RunStatusRejected
	run.Message = m.busyMessage()
	run.FinishedAt = run.StartedAt
	m.record(ctx, run)

	return nil, workflow.Failure(run.Message), err
}

func (m *Manager) setActive(kind Kind) {
	m.mu.Lock()
	m.active = kind
	m.mu.Unlock()
}

// busyMessage names the workflow holding the guard. The holder is unknown when
// it runs in another process.
func (m *Manager) busyMessage() string {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == "" {
		return "busy: another workflow is already in progress"
	}
	return fmt.Sprintf("busy: a %s is already in progress", active)
}

// execute runs one workflow and records it. The caller holds the guard.
func (m *Manager) execute(ctx context.Context, run state.Run, progress workflow.Observer) workflow.Outcome {
	logger := logging.Logger().With(
		zap.String("run_id", run.ID),
		zap.String("kind", run.Kind),
		zap.String("requester", run.Requester))
	engine := m.engines(workflow.WithLogger(logger), workflow.WithObserver(progress))

	logger.Info("Workflow started")
	m.metrics.Started()
	m.record(ctx, run)

	var out workflow.Outcome
	switch Kind(run.Kind) {
	case KindProvision:
		out = engine.Provision(ctx)
	case KindDestroy:
		out = engine.Destroy(ctx)
	default:
		out = workflow.Failure(fmt.Sprintf("Unknown workflow %q!", run.Kind))
	}

	run.FinishedAt = time.Now()
	run.Message = out.Message
	result := metrics.ResultSuccess
	run.Status = state.RunStatusSucceeded
	if !out.OK {
		result = metrics.ResultFailure
		run.Status = state.RunStatusFailed
	}
	elapsed := run.FinishedAt.Sub(run.StartedAt)
	m.metrics.Finished(run.Kind, result, elapsed)

	logger.Info("Workflow finished",
		zap.String("status", string(run.Status)),
		zap.String("message", logging.Truncate(out.Message)),
		zap.Duration("elapsed", elapsed))

	// ctx may be cancelled by now; the record must still land
	m.record(context.WithoutCancel(ctx), run)
	return out
}

// record saves the run and publishes it. Failures are logged only.
func (m *Manager) record(ctx context.Context, run state.Run) {
	if err := m.states.SaveRun(ctx, run); err != nil {
		logging.Logger().Error("Failed to save run state",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
	if err := m.publisher.Publish(ctx, run); err != nil {
		logging.Logger().Warn("Failed to publish run event",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}

func newRun(kind Kind, requester string) state.Run {
	return state.Run{
		ID:        uuid.NewString(),
		Kind:      string(kind),
		Requester: requester,
		Status:    state.RunStatusRunning,
		StartedAt: time.Now(),
	}
}

// DescribeRun renders a run as a single status line
func DescribeRun(run state.Run, now time.Time) string {
	who := ""
	if run.Requester != "" {
		who = " by " + run.Requester
	}
	if run.Status == state.RunStatusRunning {
		return fmt.Sprintf("Last run: %s%s is running (started %s ago).",
			run.Kind, who, now.Sub(run.StartedAt).Round(time.Second))
	}
	return fmt.Sprintf("Last run: %s%s %s %s ago: %s",
		run.Kind, who, run.Status, now.Sub(run.FinishedAt).Round(time.Second), run.Message)
}
