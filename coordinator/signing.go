package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/metrics"
	"github.com/ruteri/threshold-key-custody/ownership"
	"github.com/ruteri/threshold-key-custody/session"
)

// onSigningRequest starts signing requests addressed to the slot owned by this
// node. Requests arriving during a refresh or another signing are queued.
func (n *Node) onSigningRequest(ctx context.Context, req interfaces.SigningRequest) {
	owner, err := n.owners.OwnerOf(req.Slot)
	if err != nil || owner != n.cfg.Self {
		return
	}

	if n.round != nil || n.signingBusy {
		n.queued = append(n.queued, req)
		n.log.Debug("Signing request queued", slog.String("request", req.ID), "slot", req.Slot, "queued", len(n.queued))
		return
	}
	n.startSigning(ctx, req)
}

// drainQueue starts the next queued signing request once the node is idle.
func (n *Node) drainQueue(ctx context.Context) {
	for len(n.queued) > 0 && n.round == nil && !n.signingBusy {
		req := n.queued[0]
		n.queued = n.queued[1:]
		n.onSigningRequest(ctx, req)
	}
}

// startSigning opens a signing round. It refuses to run unless every slot has
// an owner, and unless enough peers are registered to reach the threshold.
func (n *Node) startSigning(ctx context.Context, req interfaces.SigningRequest) {
	if err := n.owners.VerifyComplete(); err != nil {
		n.log.Error("Ownership is incomplete, refusing to sign",
			slog.String("request", req.ID),
			"slot", req.Slot,
			"err", err)
		n.cfg.Metrics.SigningSession(metrics.OutcomeError)
		return
	}

	peers := n.peers()
	if len(peers) < n.cfg.Threshold-1 {
		n.log.Error("Not enough peers to sign",
			slog.String("request", req.ID),
			"peers", len(peers),
			"threshold", n.cfg.Threshold,
			"err", interfaces.ErrInsufficientShares)
		n.cfg.Metrics.SigningSession(metrics.OutcomeError)
		return
	}

	epoch := n.epoch
	owners := n.owners.Snapshot()
	var own []interfaces.Share
	if s, ok := n.shares[req.Slot]; ok {
		s.Value = append([]byte(nil), s.Value...)
		own = append(own, s)
	}
	n.signingBusy = true

	go func() {
		err := n.sign(ctx, req, epoch, owners, peers, own)
		if err != nil {
			n.log.Error("Signing request failed", slog.String("request", req.ID), "slot", req.Slot, "err", err)
		} else {
			n.log.Info("Signing request completed", slog.String("request", req.ID), "slot", req.Slot)
		}
		n.post(func(ctx context.Context) {
			n.signingBusy = false
			n.drainQueue(ctx)
		})
	}()
}

func (n *Node) sign(ctx context.Context, req interfaces.SigningRequest, epoch interfaces.Epoch, owners ownership.Lookup, peers []interfaces.NodeID, own []interfaces.Share) error {
	collected, err := n.collect(ctx, epoch, peers, own, []interfaces.SlotIndex{req.Slot}, interfaces.Envelope{
		Type: interfaces.MsgShareRequest,
		Slot: req.Slot,
	})
	if err != nil {
		n.cfg.Metrics.SigningSession(metrics.OutcomeError)
		return fmt.Errorf("failed to collect shares: %w", err)
	}
	defer wipeCollected(collected)

	sess := session.New(session.Config{
		Self:           n.cfg.Self,
		Owners:         owners,
		Epoch:          epoch,
		TTL:            n.cfg.SessionTTL,
		ReclaimOnClear: n.cfg.ReclaimOnClear,
		Log:            n.log,
		Metrics:        n.cfg.Metrics,
	})
	defer sess.Clear()

	if err := sess.ReconstructOwn(collected[req.Slot]); err != nil {
		n.cfg.Metrics.SigningSession(metrics.OutcomeError)
		return err
	}
	sig, err := sess.SignAndClear(ctx, n.deps.Signer, req.TxData)
	if err != nil {
		return err
	}
	if err := n.deps.Ledger.SubmitSignature(ctx, req.ID, sig); err != nil {
		return fmt.Errorf("failed to submit signature: %w", err)
	}
	return nil
}
