package coordinator

import (
	"context"
	"errors"

	"github.com/ruteri/threshold-key-custody/backup"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// rebalanceBackup keeps the group's backup placed on the currently healthy
// groups. Only the coordinator elected for the current epoch rebuilds it.
func (n *Node) rebalanceBackup(ctx context.Context) {
	if n.deps.Holder != nil || n.deps.Backup != nil {
		go n.pruneHeldBackups(ctx)
	}

	if n.deps.Backup == nil || n.round != nil || n.backupBusy || n.retired {
		return
	}
	if n.elected() != n.cfg.Self {
		return
	}
	if n.backupStale {
		n.deps.Backup.Invalidate()
		n.backupStale = false
	}

	epoch := n.epoch
	own := n.ownShares()
	peers := n.owners.Members()
	slots := allSlots(n.owners.SlotCount())
	n.backupBusy = true

	go func() {
		collect := func(ctx context.Context) (map[interfaces.SlotIndex][]interfaces.Share, error) {
			return n.collect(ctx, epoch, peers, own, slots, interfaces.Envelope{Type: interfaces.MsgShareBatchRequest})
		}
		report, err := n.deps.Backup.RebalanceOnLifecycleChange(ctx, collect)
		interfaces.WipeShares(own)

		switch {
		case errors.Is(err, interfaces.ErrNoHealthyGroups):
			n.log.Warn("No healthy group can hold backups", "epoch", epoch)
		case err != nil:
			n.log.Error("Backup rebalance failed", "epoch", epoch, "err", err)
		case report.Distribution != nil:
			n.log.Info("Backup redistributed",
				"epoch", epoch,
				"groups", len(report.HealthyGroups),
				"delivered", report.Distribution.Delivered,
				"pending", report.Distribution.Pending)
		}

		n.post(func(context.Context) {
			n.backupBusy = false
			// A failed rebuild is retried on the next tick.
			if err != nil && !errors.Is(err, interfaces.ErrNoHealthyGroups) {
				n.backupStale = true
			}
		})
	}()
}

// pruneHeldBackups drops bundles this node holds for groups that left the
// ledger, and reports when the own group fell below the catastrophic line.
func (n *Node) pruneHeldBackups(ctx context.Context) {
	groups, err := n.deps.Ledger.GetGroups(ctx)
	if err != nil {
		n.log.Warn("Failed to list groups", "err", err)
		return
	}
	if n.deps.Backup != nil {
		for _, g := range groups {
			if g.ID == n.cfg.Group && n.deps.Backup.Classify(g.ActiveMembers) == backup.Catastrophic {
				n.log.Error("Group is below the signing threshold, recovery from backups is required",
					"active", g.ActiveMembers,
					"threshold", n.cfg.Threshold)
			}
		}
	}
	if n.deps.Holder == nil {
		return
	}
	removed, err := n.deps.Holder.Prune(ctx, groups)
	if err != nil {
		n.log.Warn("Failed to prune held backups", "err", err)
		return
	}
	if removed > 0 {
		n.log.Info("Pruned held backups", "removed", removed)
	}
}

// retryBackup redelivers bundles a holder missed.
func (n *Node) retryBackup(ctx context.Context) {
	if n.deps.Backup == nil || n.deps.Backup.PendingDeliveries() == 0 {
		return
	}
	go func() {
		delivered, err := n.deps.Backup.RetryPending(ctx)
		if err != nil {
			n.log.Warn("Backup deliveries still pending", "delivered", delivered, "err", err)
		}
	}()
}
