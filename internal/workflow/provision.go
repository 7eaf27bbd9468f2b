package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"snapdrop/internal/cloud"
	"snapdrop/internal/poll"

	"go.uber.org/zap"
)

// Provision boots the droplet from the configured snapshot and waits for
// its public address.
func (o *Orchestrator) Provision(ctx context.Context) Outcome {
	o.enter(StageChecking)
	if _, found, err := o.findInstance(ctx); err != nil {
		return Failure("Failed to list servers!")
	} else if found {
		o.logger.Info("Server is already up")
		return Failure("Server is already running!")
	}

	snapshots, err := o.client.ListSnapshots(ctx)
	if err != nil {
		o.logger.Error("Failed to list snapshots", zap.Error(err))
		return Failure("No snapshots found!")
	}
	if len(snapshots) == 0 {
		o.logger.Warn("No snapshots found")
		return Failure("No snapshots found!")
	}
	snapshot, found := cloud.FindSnapshot(snapshots, o.settings.SnapshotName)
	if !found {
		o.logger.Warn("No snapshot found with configured name",
			zap.String("snapshot_name", o.settings.SnapshotName),
			zap.Int("snapshots", len(snapshots)))
		return Failure(fmt.Sprintf("No snapshot found with name %q!", o.settings.SnapshotName))
	}

	imageID, err := strconv.Atoi(snapshot.ID)
	if err != nil {
		o.logger.Error("Snapshot ID is not numeric", zap.String("snapshot_id", snapshot.ID))
		return Failure("Failed to create server!")
	}

	o.enter(StageCreatingInstance)
	instance, err := o.client.CreateInstance(ctx, cloud.ProvisionRequest{
		Name:    o.settings.InstanceName,
		Region:  o.settings.Region,
		Size:    o.settings.Size,
		ImageID: imageID,
		SSHKeys: o.settings.SSHKeys,
		Tags:    o.settings.Tags,
	})
	if err != nil {
		o.logger.Error("Failed to create droplet", zap.Error(err))
		return Failure("Failed to create server!")
	}
	o.logger.Info("Droplet created from snapshot",
		zap.Int("droplet_id", instance.ID),
		zap.String("snapshot_id", snapshot.ID))

	o.enter(StageAwaitingNetwork)
	ip, err := o.awaitPublicIP(ctx, instance.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Failure("Provisioning was cancelled before the server got an IP.")
		}
		o.logger.Error("Failed to get droplet IP", zap.Int("droplet_id", instance.ID), zap.Error(err))
		return Failure("Failed to get server IP!")
	}

	o.enter(StageReady)
	o.logger.Info("Server running", zap.Int("droplet_id", instance.ID), zap.String("ip", ip))
	return Success(fmt.Sprintf("Server running. IP: %s", ip))
}

// awaitPublicIP polls the droplet until it reports a public IPv4 address.
// Only failed fetches count against the budget; a droplet without a
// network yet is simply polled again.
func (o *Orchestrator) awaitPublicIP(ctx context.Context, id int) (string, error) {
	var ip string
	cfg := poll.Config{
		Interval:    o.settings.PollInterval,
		MaxFailures: o.settings.IPRetryBudget,
	}

	err := poll.Until(ctx, cfg, func(ctx context.Context) (bool, error) {
		o.logger.Info("Waiting for IP...", zap.Int("droplet_id", id))
		instance, err := o.client.GetInstance(ctx, id)
		if err != nil {
			if cloud.KindOf(err) == cloud.KindRejected {
				return false, poll.Permanent(err)
			}
			return false, err
		}
		address, ok := instance.PublicIPv4()
		if !ok {
			return false, nil
		}
		ip = address
		return true, nil
	})
	return ip, err
}
