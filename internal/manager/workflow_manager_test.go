package manager_test

import (
	"context"
	"sync"
	"time"

	"snapdrop/internal/manager"
	"snapdrop/internal/state"
	"snapdrop/internal/workflow"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// MockEngine blocks each workflow until release is closed
type MockEngine struct {
	mu      sync.Mutex
	calls   []string
	started chan string
	release chan struct{}
	outcome workflow.Outcome
	status  workflow.Outcome
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		started: make(chan string, 10),
		release: make(chan struct{}),
		outcome: workflow.Success("done"),
		status:  workflow.Success("Server is not running."),
	}
}

func (m *MockEngine) run(ctx context.Context, name string) workflow.Outcome {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
	m.started <- name

	select {
	case <-m.release:
		return m.outcome
	case <-ctx.Done():
		return workflow.Failure("cancelled")
	}
}

func (m *MockEngine) Provision(ctx context.Context) workflow.Outcome { return m.run(ctx, "provision") }
func (m *MockEngine) Destroy(ctx context.Context) workflow.Outcome   { return m.run(ctx, "destroy") }
func (m *MockEngine) Status(ctx context.Context) workflow.Outcome    { return m.status }

func (m *MockEngine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockEngine) Factory() manager.EngineFactory {
	return func(...workflow.Option) manager.Engine { return m }
}

// replies collects outcomes delivered to Request.Reply
type replies struct {
	ch chan workflow.Outcome
}

func newReplies() *replies {
	return &replies{ch: make(chan workflow.Outcome, 10)}
}

func (r *replies) Reply(out workflow.Outcome) {
	r.ch <- out
}

// shutdownLocker runs onLock after each successful TryLock
type shutdownLocker struct {
	manager.Locker
	onLock func()
}

func (l *shutdownLocker) TryLock(ctx context.Context, key string) (func(), error) {
	unlock, err := l.Locker.TryLock(ctx, key)
	if err == nil && l.onLock != nil {
		l.onLock()
	}
	return unlock, err
}

var _ = Describe("Manager", func() {
	var (
		engine *MockEngine
		store  *state.Store
		mgr    *manager.Manager
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		engine = NewMockEngine()
		store = state.New("")
		mgr = manager.NewManager(engine.Factory(), "gameserver", manager.Options{
			States:   store,
			PoolSize: 2,
		})
	})

	AfterEach(func() {
		select {
		case <-engine.release:
		default:
			close(engine.release)
		}
		mgr.Shutdown()
	})

	Describe("Submit", func() {
		It("runs the workflow in the background and replies with its outcome", func() {
			r := newReplies()
			Expect(mgr.Submit(ctx, manager.Request{
				Kind:      manager.KindProvision,
				Requester: "alice",
				Reply:     r.Reply,
			})).To(Succeed())

			Eventually(engine.started).Should(Receive(Equal("provision")))
			Consistently(r.ch, 50*time.Millisecond).ShouldNot(Receive())

			close(engine.release)
			var out workflow.Outcome
			Eventually(r.ch).Should(Receive(&out))
			Expect(out).To(Equal(workflow.Success("done")))
		})

		It("rejects a second workflow while one is in progress", func() {
			first := newReplies()
			Expect(mgr.Submit(ctx, manager.Request{Kind: manager.KindProvision, Reply: first.Reply})).To(Succeed())
			Eventually(engine.started).Should(Receive())

			second := newReplies()
			err := mgr.Submit(ctx, manager.Request{Kind: manager.KindDestroy, Requester: "bob", Reply: second.Reply})
			Expect(err).To(MatchError(manager.ErrBusy))

			var out workflow.Outcome
			Expect(second.ch).To(Receive(&out))
			Expect(out.OK).To(BeFalse())
			Expect(out.Message).To(Equal("busy: a provision is already in progress"))
			Expect(engine.Calls()).To(Equal([]string{"provision"}))
		})

		It("does not name a workflow held by another process", func() {
			locker := manager.NewLocalLocker()
			held, err := locker.TryLock(ctx, "gameserver")
			Expect(err).NotTo(HaveOccurred())
			defer held()

			shared := manager.NewManager(engine.Factory(), "gameserver", manager.Options{Locker: locker, States: store})
			defer shared.Shutdown()

			r := newReplies()
			err = shared.Submit(ctx, manager.Request{Kind: manager.KindDestroy, Reply: r.Reply})
			Expect(err).To(MatchError(manager.ErrBusy))
			Expect(r.ch).To(Receive(Equal(workflow.Failure("busy: another workflow is already in progress"))))
		})

		It("releases the guard when the workflow finishes", func() {
			close(engine.release)
			r := newReplies()
			Expect(mgr.Submit(ctx, manager.Request{Kind: manager.KindProvision, Reply: r.Reply})).To(Succeed())
			Eventually(r.ch).Should(Receive())

			second := newReplies()
			Eventually(func() error {
				return mgr.Submit(ctx, manager.Request{Kind: manager.KindDestroy, Reply: second.Reply})
			}).Should(Succeed())
			Eventually(second.ch).Should(Receive(Equal(workflow.Success("done"))))
		})

		It("refuses work after shutdown", func() {
			close(engine.release)
			mgr.Shutdown()

			r := newReplies()
			err := mgr.Submit(ctx, manager.Request{Kind: manager.KindProvision, Reply: r.Reply})
			Expect(err).To(MatchError(manager.ErrShutdown))
			Expect(r.ch).To(Receive())
		})

		It("replies and releases the guard when shutdown races the submission", func() {
			close(engine.release)
			locker := &shutdownLocker{Locker: manager.NewLocalLocker()}
			racing := manager.NewManager(engine.Factory(), "gameserver", manager.Options{Locker: locker, States: store})
			locker.onLock = racing.Shutdown

			r := newReplies()
			err := racing.Submit(ctx, manager.Request{Kind: manager.KindProvision, Reply: r.Reply})
			Expect(err).To(MatchError(manager.ErrShutdown))
			Expect(r.ch).To(Receive(Equal(workflow.Failure("Shutting down, try again later."))))
			Expect(engine.Calls()).To(BeEmpty())

			unlock, err := locker.Locker.TryLock(ctx, "gameserver")
			Expect(err).NotTo(HaveOccurred())
			unlock()
		})
	})

	Describe("Run", func() {
		It("returns the workflow outcome and records the run", func() {
			engine.outcome = workflow.Failure("No snapshots found!")
			close(engine.release)

			out := mgr.Run(ctx, manager.KindProvision, "cli")
			Expect(out).To(Equal(workflow.Failure("No snapshots found!")))

			runs, err := store.ListRuns(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].Kind).To(Equal("provision"))
			Expect(runs[0].Requester).To(Equal("cli"))
			Expect(runs[0].Status).To(Equal(state.RunStatusFailed))
			Expect(runs[0].Message).To(Equal("No snapshots found!"))
			Expect(runs[0].FinishedAt).NotTo(BeZero())
		})

		It("records a rejected run when busy", func() {
			Expect(mgr.Submit(ctx, manager.Request{Kind: manager.KindDestroy})).To(Succeed())
			Eventually(engine.started).Should(Receive())

			out := mgr.Run(ctx, manager.KindProvision, "cli")
			Expect(out.OK).To(BeFalse())
			Expect(out.Message).To(ContainSubstring("busy"))

			last, ok, err := manager.LastRun(ctx, store, manager.KindProvision)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(last.Status).To(Equal(state.RunStatusRejected))
		})

		It("stops when the context is cancelled", func() {
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan workflow.Outcome, 1)
			go func() { done <- mgr.Run(runCtx, manager.KindDestroy, "cli") }()

			Eventually(engine.started).Should(Receive())
			cancel()
			Eventually(done).Should(Receive(Equal(workflow.Failure("cancelled"))))
		})
	})

	Describe("Status", func() {
		It("reports the droplet only when nothing ran", func() {
			Expect(mgr.Status(ctx)).To(Equal("Server is not running."))
		})

		It("appends the last run", func() {
			engine.outcome = workflow.Success("Server destroyed.")
			close(engine.release)
			mgr.Run(ctx, manager.KindDestroy, "alice")

			status := mgr.Status(ctx)
			Expect(status).To(HavePrefix("Server is not running.\n"))
			Expect(status).To(ContainSubstring("Last run: destroy by alice succeeded"))
			Expect(status).To(HaveSuffix("Server destroyed."))
		})
	})

	Describe("Shutdown", func() {
		It("cancels in-flight workflows", func() {
			r := newReplies()
			Expect(mgr.Submit(ctx, manager.Request{Kind: manager.KindProvision, Reply: r.Reply})).To(Succeed())
			Eventually(engine.started).Should(Receive())

			mgr.Shutdown()
			Expect(r.ch).To(Receive(Equal(workflow.Failure("cancelled"))))
		})
	})
})

var _ = Describe("DescribeRun", func() {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	It("describes a finished run", func() {
		run := state.Run{
			Kind:       "provision",
			Requester:  "alice",
			Status:     state.RunStatusSucceeded,
			Message:    "Server running. IP: 203.0.113.7",
			FinishedAt: now.Add(-5 * time.Minute),
		}
		Expect(manager.DescribeRun(run, now)).To(Equal(
			"Last run: provision by alice succeeded 5m0s ago: Server running. IP: 203.0.113.7"))
	})

	It("describes a running run", func() {
		run := state.Run{Kind: "destroy", Status: state.RunStatusRunning, StartedAt: now.Add(-90 * time.Second)}
		Expect(manager.DescribeRun(run, now)).To(Equal("Last run: destroy is running (started 1m30s ago)."))
	})
})
