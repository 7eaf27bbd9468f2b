// Package workflow drives the provision and destroy sequences for the
// single managed droplet. Each call runs to exactly one Outcome; polling
// is bounded by the configured budgets and the caller's context.
package workflow

import (
	"context"
	"fmt"
	"time"

	"snapdrop/internal/cloud"
	"snapdrop/internal/logging"

	"go.uber.org/zap"
)

// Settings is the static configuration of both workflows
type Settings struct {
	InstanceName string
	Region       string
	Size         string
	SnapshotName string
	SSHKeys      []string
	Tags         []string

	PollInterval    time.Duration
	IPRetryBudget   int
	SnapshotTimeout time.Duration // 0 waits forever

	// WaitForPowerOff polls the droplet after the shutdown request until it
	// reports "off", bounded by ShutdownTimeout, and skips the shutdown call
	// for a droplet that is already off.
	WaitForPowerOff bool
	ShutdownTimeout time.Duration // 0 waits forever
}

// DefaultSettings returns the polling defaults with no droplet fields set
func DefaultSettings() Settings {
	return Settings{
		PollInterval:    20 * time.Second,
		IPRetryBudget:   5,
		ShutdownTimeout: 5 * time.Minute,
	}
}

// Orchestrator runs workflows against a cloud.Client
type Orchestrator struct {
	client   cloud.Client
	settings Settings
	logger   *zap.Logger
	observer Observer
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger used for workflow progress
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithObserver registers a callback for stage transitions
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// New creates an Orchestrator
func New(client cloud.Client, settings Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		settings: settings,
		logger:   logging.Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("droplet", settings.InstanceName))
	return o
}

// With returns a copy of the orchestrator with extra options applied,
// used to attach a per-invocation observer or logger.
func (o *Orchestrator) With(opts ...Option) *Orchestrator {
	clone := *o
	for _, opt := range opts {
		opt(&clone)
	}
	if clone.logger != o.logger {
		clone.logger = clone.logger.With(zap.String("droplet", o.settings.InstanceName))
	}
	return &clone
}

// Settings returns the workflow settings
func (o *Orchestrator) Settings() Settings {
	return o.settings
}

// Status reports whether the droplet exists and its public address
func (o *Orchestrator) Status(ctx context.Context) Outcome {
	instance, found, err := o.findInstance(ctx)
	if err != nil {
		return Failure("Failed to list servers!")
	}
	if !found {
		return Success("Server is not running.")
	}
	if ip, ok := instance.PublicIPv4(); ok {
		return Success(fmt.Sprintf("Server is %s. IP: %s", instance.Status, ip))
	}
	return Success(fmt.Sprintf("Server is %s, no public IP yet.", instance.Status))
}

func (o *Orchestrator) enter(stage Stage) {
	o.logger.Debug("workflow stage", zap.String("stage", string(stage)))
	if o.observer != nil {
		o.observer(stage)
	}
}

// findInstance lists droplets and returns the first exact name match
func (o *Orchestrator) findInstance(ctx context.Context) (*cloud.Instance, bool, error) {
	instances, err := o.client.ListInstances(ctx)
	if err != nil {
		o.logger.Error("Failed to list droplets", zap.Error(err))
		return nil, false, err
	}
	instance, found := cloud.FindInstance(instances, o.settings.InstanceName)
	return instance, found, nil
}
