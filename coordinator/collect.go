package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// shareSet holds collected shares by slot and share index.
type shareSet map[interfaces.SlotIndex]map[int]interfaces.Share

func (s shareSet) add(share interfaces.Share) {
	bySlot, ok := s[share.Slot]
	if !ok {
		bySlot = make(map[int]interfaces.Share)
		s[share.Slot] = bySlot
	}
	if _, dup := bySlot[share.Index]; dup {
		share.Wipe()
		return
	}
	bySlot[share.Index] = share
}

func (s shareSet) complete(slots []interfaces.SlotIndex, threshold int) bool {
	for _, slot := range slots {
		if len(s[slot]) < threshold {
			return false
		}
	}
	return true
}

func (s shareSet) flatten() map[interfaces.SlotIndex][]interfaces.Share {
	out := make(map[interfaces.SlotIndex][]interfaces.Share, len(s))
	for slot, bySlot := range s {
		shares := make([]interfaces.Share, 0, len(bySlot))
		for _, share := range bySlot {
			shares = append(shares, share)
		}
		sort.Slice(shares, func(i, j int) bool { return shares[i].Index < shares[j].Index })
		out[slot] = shares
	}
	return out
}

func (s shareSet) wipe() {
	for _, bySlot := range s {
		for idx, share := range bySlot {
			share.Wipe()
			delete(bySlot, idx)
		}
	}
}

func wipeCollected(collected map[interfaces.SlotIndex][]interfaces.Share) {
	for _, shares := range collected {
		interfaces.WipeShares(shares)
	}
}

// collect gathers shares of slots at epoch until every slot holds at least
// the threshold of distinct shares. own are the local node's shares and are
// consumed. Peers are asked concurrently with request; outstanding requests
// are abandoned as soon as the quorum is reached.
func (n *Node) collect(ctx context.Context, epoch interfaces.Epoch, peers []interfaces.NodeID, own []interfaces.Share, slots []interfaces.SlotIndex, request interfaces.Envelope) (map[interfaces.SlotIndex][]interfaces.Share, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.CollectTimeout)
	defer cancel()

	wanted := make(map[interfaces.SlotIndex]struct{}, len(slots))
	for _, slot := range slots {
		wanted[slot] = struct{}{}
	}

	set := make(shareSet)
	for _, s := range own {
		if _, ok := wanted[s.Slot]; ok && s.Epoch == epoch {
			set.add(s)
		} else {
			s.Wipe()
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if !set.complete(slots, n.cfg.Threshold) {
		for _, peer := range peers {
			if peer == n.cfg.Self {
				continue
			}
			g.Go(func() error {
				shares, err := n.requestShares(ctx, peer, epoch, request)
				if err != nil {
					if ctx.Err() == nil {
						n.log.Debug("Peer did not provide shares", slog.String("peer", string(peer)), "err", err)
					}
					return nil
				}

				mu.Lock()
				defer mu.Unlock()
				for _, s := range shares {
					if _, ok := wanted[s.Slot]; !ok || s.Epoch != epoch {
						s.Wipe()
						continue
					}
					set.add(s)
				}
				if set.complete(slots, n.cfg.Threshold) {
					cancel()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if !set.complete(slots, n.cfg.Threshold) {
		collected := 0
		for _, bySlot := range set {
			collected += len(bySlot)
		}
		set.wipe()
		return nil, fmt.Errorf("%w: collected %d shares for %d slots from %d peers", interfaces.ErrInsufficientShares, collected, len(slots), len(peers))
	}
	return set.flatten(), nil
}

// requestShares asks peer for shares and opens the encrypted reply.
func (n *Node) requestShares(ctx context.Context, peer interfaces.NodeID, epoch interfaces.Epoch, request interfaces.Envelope) ([]interfaces.Share, error) {
	env := request
	env.Group = n.cfg.Group
	env.Epoch = epoch
	env.RequestID = uuid.New().String()

	reply, err := n.sendWithRetry(ctx, peer, &env)
	if err != nil {
		return nil, err
	}
	if reply.Type != interfaces.MsgShareResponse {
		return nil, fmt.Errorf("unexpected reply %q from %s", reply.Type, peer)
	}

	plaintext, err := n.deps.Encryptor.Decrypt(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt shares from %s: %w", peer, err)
	}
	defer wipeBytes(plaintext)

	var shares []interfaces.Share
	if err := json.Unmarshal(plaintext, &shares); err != nil {
		return nil, fmt.Errorf("failed to decode shares from %s: %w", peer, err)
	}
	return shares, nil
}

// sendWithRetry sends env to peer, retrying with exponential backoff. Peers
// may refuse a request until they have caught up with the ledger.
func (n *Node) sendWithRetry(ctx context.Context, peer interfaces.NodeID, env *interfaces.Envelope) (*interfaces.Envelope, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.RetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.cfg.SendRetries)), ctx)

	var reply *interfaces.Envelope
	err := backoff.Retry(func() error {
		r, err := n.deps.Transport.Send(ctx, peer, env)
		if err != nil {
			return err
		}
		if r.Type == interfaces.MsgError {
			return fmt.Errorf("%s refused: %s", peer, string(r.Payload))
		}
		reply = r
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
