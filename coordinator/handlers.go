package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/kms"
	"github.com/ruteri/threshold-key-custody/metrics"
)

// handleEnvelope is the transport handler. Backup traffic goes straight to
// the holder; everything touching the node's shares is served by the loop.
func (n *Node) handleEnvelope(ctx context.Context, env *interfaces.Envelope) (*interfaces.Envelope, error) {
	if env.Group != "" && env.Group != n.cfg.Group {
		switch env.Type {
		case interfaces.MsgBackupStore, interfaces.MsgBackupFetch:
		default:
			return nil, fmt.Errorf("%w: envelope for group %s", interfaces.ErrUnauthorizedPeer, env.Group)
		}
	}

	switch env.Type {
	case interfaces.MsgBackupStore:
		if n.deps.Holder == nil {
			return nil, errors.New("node does not hold backups")
		}
		return n.deps.Holder.HandleStore(ctx, env)
	case interfaces.MsgBackupFetch:
		if n.deps.Holder == nil {
			return nil, errors.New("node does not hold backups")
		}
		return n.deps.Holder.HandleFetch(ctx, env)
	}

	req := inbound{ctx: ctx, env: env, reply: make(chan inboundResult, 1)}
	select {
	case n.inbound <- req:
	case <-n.done:
		return nil, errors.New("node stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.env, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) handleInbound(ctx context.Context, env *interfaces.Envelope) (*interfaces.Envelope, error) {
	switch env.Type {
	case interfaces.MsgShareRequest, interfaces.MsgShareBatchRequest:
		return n.serveShares(env)
	case interfaces.MsgShareDelivery:
		return n.adoptDelivery(ctx, env)
	default:
		return nil, fmt.Errorf("unsupported message type %q", env.Type)
	}
}

// serveShares answers share requests. A single-slot request must come from
// the slot owner; a batch request from the coordinator elected for the
// current epoch.
func (n *Node) serveShares(env *interfaces.Envelope) (*interfaces.Envelope, error) {
	if env.Epoch != n.epoch {
		return nil, fmt.Errorf("%w: request for epoch %d, tracking %d", interfaces.ErrInconsistentShareSet, env.Epoch, n.epoch)
	}

	var shares []interfaces.Share
	switch env.Type {
	case interfaces.MsgShareRequest:
		owner, err := n.owners.OwnerOf(env.Slot)
		if err != nil {
			return nil, err
		}
		if owner != env.From {
			return nil, fmt.Errorf("%w: %s does not own slot %d", interfaces.ErrUnauthorizedPeer, env.From, env.Slot)
		}
		share, ok := n.shares[env.Slot]
		if !ok {
			return nil, fmt.Errorf("%w: no share of slot %d", interfaces.ErrNoSecretsHeld, env.Slot)
		}
		shares = []interfaces.Share{share}
	case interfaces.MsgShareBatchRequest:
		if elected := n.elected(); env.From != elected {
			return nil, fmt.Errorf("%w: %s is not the coordinator of epoch %d", interfaces.ErrUnauthorizedPeer, env.From, n.epoch)
		}
		if len(n.shares) == 0 {
			return nil, interfaces.ErrNoSecretsHeld
		}
		shares = n.ownShares()
		defer interfaces.WipeShares(shares)
	}

	plaintext, err := json.Marshal(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shares: %w", err)
	}
	defer wipeBytes(plaintext)

	ciphertext, err := n.deps.Encryptor.EncryptFor(env.From, plaintext)
	if err != nil {
		return nil, err
	}

	n.log.Debug("Served shares",
		slog.String("requester", string(env.From)),
		slog.String("type", string(env.Type)),
		"shares", len(shares),
		"epoch", n.epoch)
	return &interfaces.Envelope{
		Type:      interfaces.MsgShareResponse,
		RequestID: env.RequestID,
		Group:     n.cfg.Group,
		Epoch:     n.epoch,
		Slot:      env.Slot,
		Payload:   ciphertext,
	}, nil
}

// adoptDelivery replaces the node's shares with re-split shares of the next
// epoch delivered by a group member.
func (n *Node) adoptDelivery(ctx context.Context, env *interfaces.Envelope) (*interfaces.Envelope, error) {
	members := n.owners.Members()
	if !slices.Contains(members, env.From) {
		return nil, fmt.Errorf("%w: %s is not a member of %s", interfaces.ErrUnauthorizedPeer, env.From, n.cfg.Group)
	}
	if env.Epoch != n.epoch.Next() {
		return nil, fmt.Errorf("%w: delivery for epoch %d, tracking %d", interfaces.ErrInconsistentShareSet, env.Epoch, n.epoch)
	}

	plaintext, err := n.deps.Encryptor.Decrypt(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt delivery: %w", err)
	}
	defer wipeBytes(plaintext)

	var shares []interfaces.Share
	if err := json.Unmarshal(plaintext, &shares); err != nil {
		return nil, fmt.Errorf("failed to decode delivery: %w", err)
	}
	if err := n.validateOwnShares(shares, env.Epoch); err != nil {
		interfaces.WipeShares(shares)
		return nil, err
	}

	n.wipeShares()
	for _, s := range shares {
		n.shares[s.Slot] = s
	}
	n.epoch = env.Epoch
	n.retired = false
	n.cfg.Metrics.SetEpoch(uint64(n.epoch))
	n.log.Info("Adopted refreshed shares",
		slog.String("from", string(env.From)),
		"epoch", n.epoch,
		"shares", len(shares))

	// The member that distributed the shares advances the ledger epoch.
	n.completeRound(ctx, n.epoch, n.ownShares(), env.From == n.cfg.Self)

	return &interfaces.Envelope{Type: interfaces.MsgAck, RequestID: env.RequestID, Group: n.cfg.Group, Epoch: n.epoch}, nil
}

// completeRound persists the adopted shares, publishes their commitment and
// waits for every member to do the same. shares are consumed.
func (n *Node) completeRound(ctx context.Context, epoch interfaces.Epoch, shares []interfaces.Share, advance bool) {
	go func() {
		defer interfaces.WipeShares(shares)

		if n.deps.ShareStore != nil {
			if err := n.deps.ShareStore.Save(ctx, epoch, shares); err != nil {
				n.log.Error("Failed to persist adopted shares", "epoch", epoch, "err", err)
			}
		}

		err := n.deps.Ledger.PublishShareCommitment(ctx, kms.ShareCommitment(shares), epoch)
		if err != nil {
			err = fmt.Errorf("failed to publish share commitment: %w", err)
		} else {
			err = WaitForCommitments(ctx, n.deps.Ledger, epoch, n.cfg.CommitmentWait, n.cfg.CommitmentPollInterval, n.log)
		}
		if err == nil && advance {
			if err = n.deps.Ledger.AdvanceEpoch(ctx, epoch); err != nil {
				err = fmt.Errorf("failed to advance epoch: %w", err)
			}
		}

		n.post(func(ctx context.Context) {
			n.finishRound(ctx, epoch, err)
		})
	}()
}

func (n *Node) finishRound(ctx context.Context, epoch interfaces.Epoch, err error) {
	if err != nil {
		n.log.Error("Refresh round did not complete", "epoch", epoch, "err", err)
		n.cfg.Metrics.Refresh(metrics.OutcomeError)
	} else {
		n.log.Info("Refresh round complete", "epoch", epoch)
	}

	if n.round != nil && n.round.fromEpoch < epoch {
		n.round = nil
	}
	n.backupStale = true

	if n.deps.ShareStore != nil {
		go func() {
			if _, err := n.deps.ShareStore.Purge(ctx, epoch); err != nil {
				n.log.Warn("Failed to purge superseded shares", "err", err)
			}
		}()
	}
	n.drainQueue(ctx)
}

// checkInvariant runs the refresh security check and abandons refresh rounds
// that overran their deadline.
func (n *Node) checkInvariant(ctx context.Context) {
	n.refresher.CheckSecurityInvariant()

	if n.round == nil || time.Now().Before(n.round.deadline) {
		return
	}
	n.log.Error("Refresh round abandoned", "fromEpoch", n.round.fromEpoch, "epoch", n.epoch, slog.String("coordinator", string(n.round.coordinator)))
	n.cfg.Metrics.Refresh(metrics.OutcomeTimeout)
	n.round = nil

	if n.retired {
		n.wipeShares()
		if n.deps.ShareStore != nil {
			if _, err := n.deps.ShareStore.Purge(ctx, n.epoch.Next()); err != nil {
				n.log.Warn("Failed to purge shares of retired node", "err", err)
			}
		}
		n.log.Info("Retired from group, shares wiped")
	}
	n.drainQueue(ctx)
}
