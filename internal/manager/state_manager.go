package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"snapdrop/internal/logging"
	"snapdrop/internal/state"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const runsPrefix = "/snapdrop/runs/"

// StateManager defines the interface for run history persistence
type StateManager interface {
	SaveRun(ctx context.Context, run state.Run) error
	GetRun(ctx context.Context, id string) (state.Run, error)
	ListRuns(ctx context.Context) ([]state.Run, error)
	Close() error
}

// LastRun returns the most recent run of the given kind, or of any kind when
// kind is empty. ok is false when no such run was recorded.
func LastRun(ctx context.Context, sm StateManager, kind Kind) (run state.Run, ok bool, err error) {
	runs, err := sm.ListRuns(ctx)
	if err != nil {
		return state.Run{}, false, err
	}
	for _, r := range runs {
		if kind == "" || r.Kind == string(kind) {
			return r, true, nil
		}
	}
	return state.Run{}, false, nil
}

// EtcdStateManager handles run persistence using Etcd
type EtcdStateManager struct {
	client *clientv3.Client
}

// NewEtcdStateManager wraps an existing etcd client
func NewEtcdStateManager(client *clientv3.Client) *EtcdStateManager {
	return &EtcdStateManager{client: client}
}

// Close is a no-op; the client is owned by the caller
func (sm *EtcdStateManager) Close() error {
	return nil
}

// SaveRun saves the run state
func (sm *EtcdStateManager) SaveRun(ctx context.Context, run state.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	_, err = sm.client.Put(ctx, runsPrefix+run.ID, string(data))
	if err != nil {
		return fmt.Errorf("failed to save run state to etcd: %w", err)
	}
	return nil
}

// GetRun retrieves the run state
func (sm *EtcdStateManager) GetRun(ctx context.Context, id string) (state.Run, error) {
	resp, err := sm.client.Get(ctx, runsPrefix+id)
	if err != nil {
		return state.Run{}, fmt.Errorf("failed to get run state from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return state.Run{}, fmt.Errorf("%w: %s", state.ErrNotFound, id)
	}
	var run state.Run
	if err := json.Unmarshal(resp.Kvs[0].Value, &run); err != nil {
		return state.Run{}, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	return run, nil
}

// ListRuns returns every recorded run, newest first
func (sm *EtcdStateManager) ListRuns(ctx context.Context) ([]state.Run, error) {
	resp, err := sm.client.Get(ctx, runsPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list runs from etcd: %w", err)
	}
	runs := make([]state.Run, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var run state.Run
		if err := json.Unmarshal(kv.Value, &run); err != nil {
			logging.Logger().Warn("Skipping unreadable run record",
				zap.String("key", string(kv.Key)),
				zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}
	state.SortNewestFirst(runs)
	return runs, nil
}

// ConnectEtcd dials etcd and checks the connection. It returns nil without
// error when no endpoints are configured.
func ConnectEtcd(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, nil
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := cli.Get(ctx, "/test_connection"); err != nil {
		cli.Close()
		return nil, fmt.Errorf("etcd connection test failed: %w", err)
	}
	return cli, nil
}

// NewStateManager picks etcd when a client is available, otherwise the file
// store at path
func NewStateManager(client *clientv3.Client, path string) (StateManager, error) {
	if client != nil {
		logging.Logger().Info("Using etcd for run history")
		return NewEtcdStateManager(client), nil
	}

	store, err := state.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load state file %s: %w", path, err)
	}
	logging.Logger().Info("Using state file for run history", zap.String("path", path))
	return store, nil
}
