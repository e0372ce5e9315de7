package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// DefaultShareBackupTTL is how long a persisted share backup stays valid.
const DefaultShareBackupTTL = 48 * time.Hour

// ShareBackup persists a node's own current-epoch shares, sealed and
// time-limited, so a restarted node can rejoin without a refresh.
// Records are keyed shares/<node>/<epoch>.
type ShareBackup struct {
	store *SealedStore
	node  interfaces.NodeID
	ttl   time.Duration
	log   *slog.Logger
}

// NewShareBackup returns the share backup of node. A non-positive ttl means
// DefaultShareBackupTTL.
func NewShareBackup(store *SealedStore, node interfaces.NodeID, ttl time.Duration, log *slog.Logger) (*ShareBackup, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultShareBackupTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &ShareBackup{store: store, node: node, ttl: ttl, log: log}, nil
}

func (b *ShareBackup) prefix() string {
	return path.Join("shares", string(b.node)) + "/"
}

func (b *ShareBackup) key(epoch interfaces.Epoch) string {
	// Zero-padded so lexical order matches epoch order.
	return fmt.Sprintf("%s%020d", b.prefix(), uint64(epoch))
}

// Save persists shares for epoch. Every share must belong to that epoch.
func (b *ShareBackup) Save(ctx context.Context, epoch interfaces.Epoch, shares []interfaces.Share) error {
	for _, s := range shares {
		if s.Epoch != epoch {
			return fmt.Errorf("%w: share from epoch %d saved as epoch %d", interfaces.ErrInconsistentShareSet, s.Epoch, epoch)
		}
	}

	data, err := json.Marshal(shares)
	if err != nil {
		return fmt.Errorf("failed to encode shares: %w", err)
	}
	defer wipe(data)

	if err := b.store.Put(ctx, b.key(epoch), data, b.ttl); err != nil {
		return fmt.Errorf("failed to persist share backup: %w", err)
	}
	b.log.Info("Persisted share backup", "epoch", epoch, "shares", len(shares))
	return nil
}

// Load returns the shares persisted for epoch. Missing or expired backups are
// reported as ErrContentNotFound.
func (b *ShareBackup) Load(ctx context.Context, epoch interfaces.Epoch) ([]interfaces.Share, error) {
	data, err := b.store.Get(ctx, b.key(epoch))
	if err != nil {
		return nil, err
	}
	defer wipe(data)

	var shares []interfaces.Share
	if err := json.Unmarshal(data, &shares); err != nil {
		return nil, fmt.Errorf("failed to decode share backup: %w", err)
	}
	return shares, nil
}

// Epochs returns the persisted epochs in ascending order, including expired
// ones not yet purged.
func (b *ShareBackup) Epochs(ctx context.Context) ([]interfaces.Epoch, error) {
	keys, err := b.store.List(ctx, b.prefix())
	if err != nil {
		return nil, err
	}

	epochs := make([]interfaces.Epoch, 0, len(keys))
	for _, k := range keys {
		e, err := strconv.ParseUint(strings.TrimPrefix(k, b.prefix()), 10, 64)
		if err != nil {
			continue
		}
		epochs = append(epochs, interfaces.Epoch(e))
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

// LoadLatest returns the newest unexpired backup.
func (b *ShareBackup) LoadLatest(ctx context.Context) (interfaces.Epoch, []interfaces.Share, error) {
	epochs, err := b.Epochs(ctx)
	if err != nil {
		return 0, nil, err
	}
	for i := len(epochs) - 1; i >= 0; i-- {
		shares, err := b.Load(ctx, epochs[i])
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		return epochs[i], shares, nil
	}
	return 0, nil, interfaces.ErrContentNotFound
}

// Purge removes backups superseded by current and any expired backup.
// It returns the number of records removed; records that were already gone
// are not counted.
func (b *ShareBackup) Purge(ctx context.Context, current interfaces.Epoch) (int, error) {
	epochs, err := b.Epochs(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range epochs {
		if e < current {
			if err := b.store.Delete(ctx, b.key(e)); err != nil {
				return removed, fmt.Errorf("failed to purge epoch %d: %w", e, err)
			}
			removed++
			continue
		}
		// Get deletes expired records as a side effect.
		data, err := b.store.Get(ctx, b.key(e))
		if errors.Is(err, ErrSealedRecordExpired) {
			removed++
			continue
		}
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		wipe(data)
	}

	if removed > 0 {
		b.log.Info("Purged share backups", "removed", removed, "currentEpoch", current)
	}
	return removed, nil
}
