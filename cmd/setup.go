package cmd

import (
	"snapdrop/internal/cloud"
	"snapdrop/internal/config"
	"snapdrop/internal/events"
	"snapdrop/internal/logging"
	"snapdrop/internal/manager"
	"snapdrop/internal/metrics"
	"snapdrop/internal/workflow"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// app bundles everything a command needs to run workflows
type app struct {
	cfg       *config.Config
	manager   *manager.Manager
	metrics   *metrics.Metrics
	locker    manager.Locker
	states    manager.StateManager
	publisher events.Publisher
	etcd      *clientv3.Client
}

func loadConfig() *config.Config {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
	}
	return cfg
}

// setup wires the configured backends together. It exits on errors.
func setup() *app {
	cfg := loadConfig()

	logging.Logger().Info("Configuration loaded",
		zap.String("droplet", cfg.Droplet.Name),
		zap.String("region", cfg.Droplet.Region),
		zap.String("size", cfg.Droplet.Size),
		zap.String("snapshot", cfg.Droplet.SnapshotName),
		zap.Strings("ssh_keys", logging.TruncateSlice(cfg.Droplet.SSHFingerprints, 3)),
		zap.Strings("etcd_endpoints", cfg.Etcd.Endpoints),
	)

	client, err := cloud.NewDOClient(cloud.Options{
		Token:       cfg.DigitalOcean.Token,
		BaseURL:     cfg.DigitalOcean.APIURL,
		HTTPRetries: cfg.DigitalOcean.HTTPRetries,
		Timeout:     cfg.DigitalOcean.RequestTimeout,
		UserAgent:   "snapdrop",
	})
	if err != nil {
		logging.Logger().Fatal("Failed to create DigitalOcean client", zap.Error(err))
	}

	settings := workflow.DefaultSettings()
	settings.InstanceName = cfg.Droplet.Name
	settings.Region = cfg.Droplet.Region
	settings.Size = cfg.Droplet.Size
	settings.SnapshotName = cfg.Droplet.SnapshotName
	settings.SSHKeys = cfg.Droplet.SSHFingerprints
	settings.Tags = cfg.Droplet.Tags
	settings.PollInterval = cfg.Workflow.PollInterval
	settings.IPRetryBudget = cfg.Workflow.IPRetryBudget
	settings.SnapshotTimeout = cfg.Workflow.SnapshotTimeout
	settings.WaitForPowerOff = cfg.Workflow.WaitForPowerOff
	settings.ShutdownTimeout = cfg.Workflow.ShutdownTimeout

	etcd, err := manager.ConnectEtcd(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		logging.Logger().Warn("Failed to connect to etcd, falling back to local lock and state file",
			zap.Error(err))
	}

	states, err := manager.NewStateManager(etcd, cfg.StateFile)
	if err != nil {
		logging.Logger().Fatal("Failed to open run history", zap.Error(err))
	}

	a := &app{
		cfg:       cfg,
		metrics:   metrics.New(),
		locker:    manager.NewLocker(etcd, cfg.Etcd.LockTTL),
		states:    states,
		publisher: events.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix),
		etcd:      etcd,
	}
	a.manager = manager.NewManager(
		manager.OrchestratorFactory(workflow.New(client, settings)),
		cfg.Droplet.Name,
		manager.Options{
			Locker:    a.locker,
			States:    a.states,
			Publisher: a.publisher,
			Metrics:   a.metrics,
			PoolSize:  cfg.Workflow.PoolSize,
		},
	)
	return a
}

// Close stops running workflows and releases every backend
func (a *app) Close() {
	a.manager.Shutdown()
	a.publisher.Close()
	if err := a.locker.Close(); err != nil {
		logging.Logger().Warn("Failed to release locks", zap.Error(err))
	}
	if err := a.states.Close(); err != nil {
		logging.Logger().Warn("Failed to close run history", zap.Error(err))
	}
	if a.etcd != nil {
		a.etcd.Close()
	}
}
