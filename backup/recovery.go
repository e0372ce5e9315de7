package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/kms"
	"github.com/ruteri/threshold-key-custody/metrics"
)

// holderAssignments returns the placements of the latest backup epoch,
// preferring the ledger and falling back to local records.
func (m *Manager) holderAssignments(ctx context.Context) []interfaces.BackupAssignment {
	var assignments []interfaces.BackupAssignment
	if m.ledger != nil {
		recorded, err := m.ledger.GetBackupAssignments(ctx, m.cfg.Group)
		if err != nil {
			m.log.Warn("Failed to read backup assignments from ledger, using local records", "err", err)
		} else {
			assignments = recorded
		}
	}
	if len(assignments) == 0 {
		assignments = m.Assignments()
	}

	var latest interfaces.Epoch
	for _, a := range assignments {
		if a.Epoch > latest {
			latest = a.Epoch
		}
	}
	out := assignments[:0:0]
	for _, a := range assignments {
		if a.Epoch == latest && a.SourceGroup == m.cfg.Group {
			out = append(out, a)
		}
	}
	return out
}

// fetchBundles asks every holder for the group's bundles of epoch. Failures
// of individual holders are logged and tolerated.
func (m *Manager) fetchBundles(ctx context.Context, assignments []interfaces.BackupAssignment, epoch interfaces.Epoch) map[int]interfaces.FragmentBundle {
	holders := make(map[interfaces.NodeID]struct{})
	for _, a := range assignments {
		holders[a.Holder] = struct{}{}
	}

	var (
		mu      sync.Mutex
		bundles = make(map[int]interfaces.FragmentBundle)
		g       errgroup.Group
	)
	for holder := range holders {
		g.Go(func() error {
			fetched, err := m.fetchFrom(ctx, holder, epoch)
			if err != nil {
				m.log.Warn("Failed to fetch backup bundles", slog.String("holder", string(holder)), "err", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, b := range fetched {
				if b.SourceGroup != m.cfg.Group || b.Epoch != epoch {
					b.Wipe()
					continue
				}
				if _, dup := bundles[b.BackupIndex]; dup {
					b.Wipe()
					continue
				}
				bundles[b.BackupIndex] = b
			}
			return nil
		})
	}
	_ = g.Wait()
	return bundles
}

func (m *Manager) fetchFrom(ctx context.Context, holder interfaces.NodeID, epoch interfaces.Epoch) ([]interfaces.FragmentBundle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FragmentTimeout)
	defer cancel()

	reply, err := m.transport.Send(ctx, holder, &interfaces.Envelope{
		Type:      interfaces.MsgBackupFetch,
		Group:     m.cfg.Group,
		Epoch:     epoch,
		RequestID: uuid.New().String(),
	})
	if err != nil {
		return nil, err
	}
	if reply.Type != interfaces.MsgBackupResponse {
		return nil, fmt.Errorf("unexpected reply %q: %s", reply.Type, string(reply.Payload))
	}

	plaintext, err := m.encryptor.Decrypt(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt bundles: %w", err)
	}
	defer wipeBytes(plaintext)

	var bundles []interfaces.FragmentBundle
	if err := json.Unmarshal(plaintext, &bundles); err != nil {
		return nil, fmt.Errorf("failed to decode bundles: %w", err)
	}
	return bundles, nil
}

// RecoverFromCatastrophicFailure rebuilds the primary share sets of every
// backed-up slot from the fragments held by other groups. Surviving shares in
// remaining are kept valid: the new shares extend their polynomial up to the
// primary total. Either every slot is recovered or none is.
func (m *Manager) RecoverFromCatastrophicFailure(ctx context.Context, remaining map[interfaces.SlotIndex][]interfaces.Share) (recovered map[interfaces.SlotIndex][]interfaces.Share, err error) {
	start := time.Now()
	defer func() {
		m.cfg.Metrics.ObserveWindow("recovery", time.Since(start))
		if err != nil {
			m.cfg.Metrics.Recovery(metrics.OutcomeError)
			m.log.Error("Catastrophic recovery failed", "err", err)
		} else {
			m.cfg.Metrics.Recovery(metrics.OutcomeOK)
		}
	}()

	assignments := m.holderAssignments(ctx)
	if len(assignments) == 0 {
		return nil, fmt.Errorf("%w: no backup holders known", interfaces.ErrCatastrophicRecoveryFailed)
	}
	epoch := assignments[0].Epoch

	bundles := m.fetchBundles(ctx, assignments, epoch)
	defer func() {
		for _, b := range bundles {
			b.Wipe()
		}
	}()

	fragments := make(map[interfaces.SlotIndex][]interfaces.Share)
	for _, b := range bundles {
		for _, f := range b.Fragments {
			fragments[f.Slot] = append(fragments[f.Slot], f.Share)
		}
	}
	if len(fragments) == 0 {
		return nil, fmt.Errorf("%w: no fragments received from %d holders", interfaces.ErrCatastrophicRecoveryFailed, len(assignments))
	}

	// A slot with surviving shares but no fragment at all cannot be recovered.
	for slot := range remaining {
		if _, ok := fragments[slot]; !ok {
			fragments[slot] = nil
		}
	}

	slots := make([]interfaces.SlotIndex, 0, len(fragments))
	for slot, fs := range fragments {
		if len(fs) < m.cfg.BackupThreshold {
			return nil, fmt.Errorf("%w: slot %d has %d of %d fragments", interfaces.ErrCatastrophicRecoveryFailed, slot, len(fs), m.cfg.BackupThreshold)
		}
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	recovered = make(map[interfaces.SlotIndex][]interfaces.Share, len(slots))
	for _, slot := range slots {
		shares, err := m.recoverSlot(slot, epoch, fragments[slot], remaining[slot])
		if err != nil {
			for _, s := range recovered {
				interfaces.WipeShares(s)
			}
			return nil, fmt.Errorf("%w: slot %d: %v", interfaces.ErrCatastrophicRecoveryFailed, slot, err)
		}
		recovered[slot] = shares
	}

	m.log.Info("Recovered shares from backup",
		"slots", len(recovered),
		"bundles", len(bundles),
		"epoch", epoch)
	return recovered, nil
}

func (m *Manager) recoverSlot(slot interfaces.SlotIndex, epoch interfaces.Epoch, fragments, remaining []interfaces.Share) ([]interfaces.Share, error) {
	secret, err := kms.Combine(fragments)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	params := interfaces.ShareParams{
		Slot:      slot,
		Epoch:     epoch,
		Threshold: m.cfg.PrimaryThreshold,
		Total:     m.cfg.PrimaryTotal,
	}

	survivors := make([]interfaces.Share, 0, len(remaining))
	used := make(map[int]struct{}, len(remaining))
	for _, s := range remaining {
		if s.Epoch != epoch || s.Threshold != params.Threshold || s.Total != params.Total {
			m.log.Warn("Ignoring surviving share of another sharing", "slot", slot, "index", s.Index, "epoch", s.Epoch)
			continue
		}
		if _, dup := used[s.Index]; dup {
			continue
		}
		used[s.Index] = struct{}{}
		survivors = append(survivors, s)
	}

	var newIndices []int
	for i := 0; i < params.Total; i++ {
		if _, ok := used[i]; !ok {
			newIndices = append(newIndices, i)
		}
	}

	issued, err := kms.Extend(secret, survivors, params, newIndices)
	if err != nil {
		return nil, err
	}

	out := make([]interfaces.Share, 0, len(survivors)+len(issued))
	for _, s := range survivors {
		s.Value = append([]byte(nil), s.Value...)
		out = append(out, s)
	}
	out = append(out, issued...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
