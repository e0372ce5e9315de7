package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/ownership"
)

// onMembershipChanged applies a ledger membership change and, on the elected
// coordinator, starts the refresh of every slot onto the new membership.
func (n *Node) onMembershipChanged(ctx context.Context, change interfaces.MembershipChange) {
	if change.Group != "" && change.Group != n.cfg.Group {
		return
	}

	pre := n.owners.Snapshot()
	if err := n.owners.Apply(change); err != nil {
		if !slices.Equal(n.owners.Members(), change.Members) {
			n.log.Error("Failed to apply membership change", "epoch", change.Epoch, "err", err)
			return
		}
		n.log.Debug("Membership change already applied", "epoch", change.Epoch)
	}

	wasMember := slices.Contains(pre.Owners, n.cfg.Self)
	isMember := slices.Contains(change.Members, n.cfg.Self)
	if wasMember && !isMember {
		n.retired = true
	}

	coordinator := Elect(change.Members, ElectionSeed(n.cfg.Group, n.epoch))
	n.round = &refreshRound{
		fromEpoch:   n.epoch,
		coordinator: coordinator,
		deadline:    time.Now().Add(n.cfg.CollectTimeout + n.cfg.DistributeTimeout + n.cfg.CommitmentWait),
	}
	n.log.Info("Membership changed",
		"epoch", n.epoch,
		"leaving", len(change.Leaving),
		"joining", len(change.Joining),
		slog.String("coordinator", string(coordinator)),
		"retired", n.retired)

	if coordinator == n.cfg.Self {
		n.startRefresh(ctx, pre, change.Members)
	}
}

// startRefresh collects every slot from the previous owners, re-splits onto
// members and distributes the result. It runs off the loop.
func (n *Node) startRefresh(ctx context.Context, pre ownership.Snapshot, members []interfaces.NodeID) {
	epoch := n.epoch
	own := n.ownShares()
	slots := allSlots(len(pre.Owners))

	go func() {
		collected, err := n.collect(ctx, epoch, pre.Owners, own, slots, interfaces.Envelope{Type: interfaces.MsgShareBatchRequest})
		if err != nil {
			n.log.Error("Refresh failed to collect shares", "epoch", epoch, "err", err)
			return
		}
		defer wipeCollected(collected)

		result, err := n.refresher.PerformRefresh(ctx, pre, collected, pre.Owners, members, n.cfg.Threshold, n.distribute)
		if err != nil {
			n.log.Error("Refresh failed", "epoch", epoch, "err", err)
			return
		}
		n.log.Info("Refresh distributed", "newEpoch", result.NewEpoch, "members", len(result.Assignments))
	}()
}

func allSlots(count int) []interfaces.SlotIndex {
	slots := make([]interfaces.SlotIndex, count)
	for i := range slots {
		slots[i] = interfaces.SlotIndex(i)
	}
	return slots
}

// distribute is the refresh.DistributeFunc of the node: every member gets its
// shares encrypted to its own key. Nothing is sent unless every payload could
// be sealed.
func (n *Node) distribute(ctx context.Context, assignments map[interfaces.NodeID][]interfaces.Share) error {
	var epoch interfaces.Epoch
	payloads := make(map[interfaces.NodeID][]byte, len(assignments))
	for node, shares := range assignments {
		if len(shares) > 0 {
			epoch = shares[0].Epoch
		}
		plaintext, err := json.Marshal(shares)
		if err != nil {
			return fmt.Errorf("failed to encode shares for %s: %w", node, err)
		}
		ciphertext, err := n.deps.Encryptor.EncryptFor(node, plaintext)
		wipeBytes(plaintext)
		if err != nil {
			return fmt.Errorf("failed to encrypt shares for %s: %w", node, err)
		}
		payloads[node] = ciphertext
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	for node, payload := range payloads {
		g.Go(func() error {
			env := &interfaces.Envelope{
				Type:      interfaces.MsgShareDelivery,
				Group:     n.cfg.Group,
				Epoch:     epoch,
				RequestID: uuid.New().String(),
				Payload:   payload,
			}
			reply, err := n.sendWithRetry(ctx, node, env)
			if err == nil && reply.Type != interfaces.MsgAck {
				err = fmt.Errorf("unexpected reply %q", reply.Type)
			}
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("delivery to %s: %w", node, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// RecoveryReport describes a completed catastrophic recovery.
type RecoveryReport struct {
	Slots    int              `json:"slots"`
	NewEpoch interfaces.Epoch `json:"new_epoch"`
	Members  int              `json:"members"`
}

// Recover restores every slot from backup fragments held by other groups
// combined with the shares still held by this node, then refreshes the
// recovered secrets onto the current membership.
func (n *Node) Recover(ctx context.Context) (*RecoveryReport, error) {
	if n.deps.Backup == nil {
		return nil, errors.New("backups are not configured")
	}

	var (
		own      []interfaces.Share
		snapshot ownership.Snapshot
		epoch    interfaces.Epoch
		busy     bool
	)
	err := n.call(ctx, func(context.Context) {
		busy = n.round != nil
		if busy {
			return
		}
		own = n.ownShares()
		snapshot = n.owners.Snapshot()
		epoch = n.epoch
	})
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, interfaces.ErrRefreshInProgress
	}

	remaining := make(map[interfaces.SlotIndex][]interfaces.Share, len(own))
	for _, s := range own {
		remaining[s.Slot] = append(remaining[s.Slot], s)
	}
	recovered, err := n.deps.Backup.RecoverFromCatastrophicFailure(ctx, remaining)
	wipeCollected(remaining)
	if err != nil {
		return nil, err
	}
	defer wipeCollected(recovered)

	// Refresh keeps the secrets, so recovered shares are relabelled with the
	// group's current epoch before they are re-split.
	for slot := range recovered {
		for i := range recovered[slot] {
			recovered[slot][i].Epoch = epoch
		}
	}

	result, err := n.refresher.PerformRefresh(ctx, snapshot, recovered, snapshot.Owners, snapshot.Owners, n.cfg.Threshold, n.distribute)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh recovered shares: %w", err)
	}

	report := &RecoveryReport{Slots: len(recovered), NewEpoch: result.NewEpoch, Members: len(result.Assignments)}
	n.log.Info("Recovered group from backups", "slots", report.Slots, "newEpoch", report.NewEpoch)
	return report, nil
}
