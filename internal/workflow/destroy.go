package workflow

import (
	"context"
	"errors"

	"snapdrop/internal/cloud"
	"snapdrop/internal/poll"

	"go.uber.org/zap"
)

const statusOff = "off"

// Destroy shuts the droplet down, replaces the named snapshot with a fresh
// one and deletes the droplet. The droplet is only deleted once the new
// snapshot has been observed, and the superseded snapshot is only deleted
// after that as well.
func (o *Orchestrator) Destroy(ctx context.Context) Outcome {
	o.enter(StageChecking)
	instance, found, err := o.findInstance(ctx)
	if err != nil {
		return Failure("Failed to list servers!")
	}
	if !found {
		o.logger.Info("Server is already down")
		return Failure("Server is not running!")
	}

	o.enter(StageShuttingDown)
	if o.settings.WaitForPowerOff && instance.Status == statusOff {
		o.logger.Info("Droplet is already powered off", zap.Int("droplet_id", instance.ID))
	} else {
		if err := o.client.ShutdownInstance(ctx, instance.ID); err != nil {
			o.logger.Error("Shutdown failed", zap.Int("droplet_id", instance.ID), zap.Error(err))
			return Failure("Failed to shut down server!")
		}

		if o.settings.WaitForPowerOff {
			o.enter(StageAwaitingPowerOff)
			if err := o.awaitPowerOff(ctx, instance.ID); err != nil {
				o.logger.Error("Droplet did not power off", zap.Int("droplet_id", instance.ID), zap.Error(err))
				return Failure("Server did not shut down; nothing was deleted.")
			}
		}
	}

	o.enter(StageSnapshotting)
	before, err := o.client.ListSnapshots(ctx)
	if err != nil {
		o.logger.Error("Failed to list snapshots", zap.Error(err))
		return Failure("Failed to list snapshots!")
	}
	previous, hadPrevious := cloud.FindSnapshot(before, o.settings.SnapshotName)

	if err := o.client.CreateSnapshot(ctx, instance.ID, o.settings.SnapshotName); err != nil {
		o.logger.Error("Snapshot failed", zap.Int("droplet_id", instance.ID), zap.Error(err))
		return Failure("Failed to snapshot server!")
	}

	o.enter(StageAwaitingSnapshot)
	if err := o.awaitNewSnapshot(ctx, len(before)); err != nil {
		o.logger.Error("Stopped waiting for snapshot", zap.Int("droplet_id", instance.ID), zap.Error(err))
		if errors.Is(err, context.Canceled) {
			return Failure("Snapshot wait was cancelled; the server was left powered off.")
		}
		return Failure("Snapshot did not complete in time; the server was left powered off.")
	}

	o.enter(StageCleaningUp)
	pruneFailed := false
	if hadPrevious {
		if err := o.client.DeleteSnapshot(ctx, previous.ID); err != nil {
			o.logger.Error("Failed to delete superseded snapshot",
				zap.String("snapshot_id", previous.ID), zap.Error(err))
			pruneFailed = true
		} else {
			o.logger.Info("Deleted superseded snapshot", zap.String("snapshot_id", previous.ID))
		}
	}

	if err := o.client.DeleteInstance(ctx, instance.ID); err != nil {
		o.logger.Error("Failed to delete droplet", zap.Int("droplet_id", instance.ID), zap.Error(err))
		return Failure("Snapshot saved, but failed to delete server!")
	}

	o.enter(StageDestroyed)
	o.logger.Info("Server killed", zap.Int("droplet_id", instance.ID))
	if pruneFailed {
		return Success("Server destroyed. The old snapshot could not be deleted.")
	}
	return Success("Server destroyed.")
}

// awaitPowerOff polls the droplet until it reports status "off"
func (o *Orchestrator) awaitPowerOff(ctx context.Context, id int) error {
	cfg := poll.Config{
		Interval:    o.settings.PollInterval,
		MaxFailures: o.settings.IPRetryBudget,
		Timeout:     o.settings.ShutdownTimeout,
	}
	return poll.Until(ctx, cfg, func(ctx context.Context) (bool, error) {
		instance, err := o.client.GetInstance(ctx, id)
		if err != nil {
			if cloud.KindOf(err) == cloud.KindRejected {
				return false, poll.Permanent(err)
			}
			return false, err
		}
		return instance.Status == statusOff, nil
	})
}

// awaitNewSnapshot polls the snapshot list until it grows past the size
// recorded before the snapshot was requested. The API exposes no job
// status, so list growth is the only completion signal; it can be fooled
// by an unrelated snapshot appearing at the same time.
func (o *Orchestrator) awaitNewSnapshot(ctx context.Context, sizeBefore int) error {
	cfg := poll.Config{
		Interval:    o.settings.PollInterval,
		MaxFailures: poll.Unlimited,
		Timeout:     o.settings.SnapshotTimeout,
	}
	return poll.Until(ctx, cfg, func(ctx context.Context) (bool, error) {
		o.logger.Info("creating snapshot...", zap.Int("snapshots_before", sizeBefore))
		snapshots, err := o.client.ListSnapshots(ctx)
		if err != nil {
			return false, err
		}
		return len(snapshots) > sizeBefore, nil
	})
}
