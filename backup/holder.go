package backup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/storage"
)

const holderPrefix = "backups/"

// Holder keeps the fragment bundles other groups placed with this node.
// Bundles are sealed at rest under
// backups/<hex group>/<epoch>/<backup index>.
type Holder struct {
	self      interfaces.NodeID
	store     *storage.SealedStore
	encryptor interfaces.Encryptor
	ledger    interfaces.Ledger
	ttl       time.Duration
	log       *slog.Logger
}

// NewHolder creates the holder side of the backup protocol. When ledger is
// set, only current members of a group may fetch its bundles. A positive ttl
// bounds how long a bundle is kept.
func NewHolder(self interfaces.NodeID, store *storage.SealedStore, encryptor interfaces.Encryptor, ledger interfaces.Ledger, ttl time.Duration, log *slog.Logger) *Holder {
	if log == nil {
		log = slog.Default()
	}
	return &Holder{
		self:      self,
		store:     store,
		encryptor: encryptor,
		ledger:    ledger,
		ttl:       ttl,
		log:       log,
	}
}

func groupPrefix(group interfaces.GroupID) string {
	return holderPrefix + hex.EncodeToString([]byte(group)) + "/"
}

func bundleKey(group interfaces.GroupID, epoch interfaces.Epoch, index int) string {
	return fmt.Sprintf("%s%020d/%03d", groupPrefix(group), uint64(epoch), index)
}

// HandleStore accepts a bundle addressed to this node.
func (h *Holder) HandleStore(ctx context.Context, env *interfaces.Envelope) (*interfaces.Envelope, error) {
	plaintext, err := h.encryptor.Decrypt(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt bundle: %w", err)
	}
	defer wipeBytes(plaintext)

	var bundle interfaces.FragmentBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	defer bundle.Wipe()

	if bundle.SourceGroup != env.Group || bundle.Epoch != env.Epoch {
		return nil, fmt.Errorf("%w: bundle of %s epoch %d sent as %s epoch %d", interfaces.ErrInconsistentShareSet, bundle.SourceGroup, bundle.Epoch, env.Group, env.Epoch)
	}
	for _, f := range bundle.Fragments {
		if f.SourceGroup != bundle.SourceGroup || f.Index != bundle.BackupIndex || f.Epoch != bundle.Epoch {
			return nil, fmt.Errorf("%w: fragment of slot %d does not match bundle %d", interfaces.ErrInconsistentShareSet, f.Slot, bundle.BackupIndex)
		}
	}
	if err := h.authorize(ctx, env.Group, env.From); err != nil {
		return nil, err
	}

	if err := h.store.Put(ctx, bundleKey(bundle.SourceGroup, bundle.Epoch, bundle.BackupIndex), plaintext, h.ttl); err != nil {
		return nil, fmt.Errorf("failed to store bundle: %w", err)
	}

	h.log.Info("Stored backup bundle",
		slog.String("sourceGroup", string(bundle.SourceGroup)),
		slog.String("from", string(env.From)),
		"backupIndex", bundle.BackupIndex,
		"epoch", bundle.Epoch)
	return &interfaces.Envelope{Type: interfaces.MsgAck, RequestID: env.RequestID, Group: env.Group, Epoch: env.Epoch}, nil
}

// HandleFetch returns every bundle held for env.Group at env.Epoch, encrypted
// for the requesting node.
func (h *Holder) HandleFetch(ctx context.Context, env *interfaces.Envelope) (*interfaces.Envelope, error) {
	if err := h.authorize(ctx, env.Group, env.From); err != nil {
		return nil, err
	}

	bundles, err := h.Bundles(ctx, env.Group, env.Epoch)
	if err != nil {
		return nil, err
	}
	defer wipeBundles(bundles)
	if len(bundles) == 0 {
		return nil, fmt.Errorf("%w: no bundles of %s at epoch %d", interfaces.ErrContentNotFound, env.Group, env.Epoch)
	}

	plaintext, err := json.Marshal(bundles)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundles: %w", err)
	}
	defer wipeBytes(plaintext)

	ciphertext, err := h.encryptor.EncryptFor(env.From, plaintext)
	if err != nil {
		return nil, err
	}

	h.log.Info("Served backup bundles",
		slog.String("sourceGroup", string(env.Group)),
		slog.String("requester", string(env.From)),
		"bundles", len(bundles))
	return &interfaces.Envelope{
		Type:      interfaces.MsgBackupResponse,
		RequestID: env.RequestID,
		Group:     env.Group,
		Epoch:     env.Epoch,
		Payload:   ciphertext,
	}, nil
}

func (h *Holder) authorize(ctx context.Context, group interfaces.GroupID, node interfaces.NodeID) error {
	if h.ledger == nil {
		return nil
	}
	groups, err := h.ledger.GetGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}
	for _, g := range groups {
		if g.ID == group && slices.Contains(g.Members, node) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a member of %s", interfaces.ErrUnauthorizedPeer, node, group)
}

// Bundles returns the bundles held for group at epoch.
func (h *Holder) Bundles(ctx context.Context, group interfaces.GroupID, epoch interfaces.Epoch) ([]interfaces.FragmentBundle, error) {
	prefix := fmt.Sprintf("%s%020d/", groupPrefix(group), uint64(epoch))
	keys, err := h.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)

	var bundles []interfaces.FragmentBundle
	for _, key := range keys {
		data, err := h.store.Get(ctx, key)
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			wipeBundles(bundles)
			return nil, err
		}
		var b interfaces.FragmentBundle
		err = json.Unmarshal(data, &b)
		wipeBytes(data)
		if err != nil {
			wipeBundles(bundles)
			return nil, fmt.Errorf("failed to decode bundle %s: %w", key, err)
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

type heldBundle struct {
	key   string
	group interfaces.GroupID
	epoch interfaces.Epoch
}

func (h *Holder) held(ctx context.Context) ([]heldBundle, error) {
	keys, err := h.store.List(ctx, holderPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]heldBundle, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, holderPrefix), "/")
		if len(parts) != 3 {
			continue
		}
		group, err := hex.DecodeString(parts[0])
		if err != nil {
			continue
		}
		epoch, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, heldBundle{key: key, group: interfaces.GroupID(group), epoch: interfaces.Epoch(epoch)})
	}
	return out, nil
}

// Prune drops bundles of groups that are no longer registered or have no
// active members, and bundles superseded by a newer epoch of the same group.
// It returns the number of bundles removed.
func (h *Holder) Prune(ctx context.Context, groups []interfaces.Group) (int, error) {
	active := make(map[interfaces.GroupID]bool, len(groups))
	for _, g := range groups {
		active[g.ID] = g.ActiveMembers > 0
	}

	held, err := h.held(ctx)
	if err != nil {
		return 0, err
	}
	latest := make(map[interfaces.GroupID]interfaces.Epoch)
	for _, b := range held {
		if b.epoch > latest[b.group] {
			latest[b.group] = b.epoch
		}
	}

	removed := 0
	for _, b := range held {
		if active[b.group] && b.epoch == latest[b.group] {
			continue
		}
		if err := h.store.Delete(ctx, b.key); err != nil {
			return removed, fmt.Errorf("failed to prune %s: %w", b.key, err)
		}
		removed++
	}
	if removed > 0 {
		h.log.Info("Pruned backup bundles", "removed", removed)
	}
	return removed, nil
}
