package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ruteri/threshold-key-custody/backup"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/metrics"
	"github.com/ruteri/threshold-key-custody/ownership"
	"github.com/ruteri/threshold-key-custody/refresh"
	"github.com/ruteri/threshold-key-custody/session"
	"github.com/ruteri/threshold-key-custody/storage"
)

const (
	DefaultCollectTimeout    = 10 * time.Second
	DefaultInvariantInterval = time.Second
	DefaultRebalanceInterval = time.Minute
	DefaultRetryInterval     = 30 * time.Second
	DefaultSendRetries       = 3
	DefaultRetryBackoff      = 100 * time.Millisecond

	eventBuffer = 64
)

// Config configures a node. Zero durations and counts take the defaults.
type Config struct {
	Group       interfaces.GroupID
	Self        interfaces.NodeID
	ClusterName string

	// Threshold is the number of shares needed to reconstruct a slot.
	Threshold int

	SessionTTL             time.Duration
	ReclaimOnClear         bool
	CollectTimeout         time.Duration
	RefreshTimeout         time.Duration
	DistributeTimeout      time.Duration
	CommitmentWait         time.Duration
	CommitmentPollInterval time.Duration

	InvariantInterval time.Duration
	RebalanceInterval time.Duration
	RetryInterval     time.Duration

	// SendRetries and RetryBackoff shape the retries of every peer request.
	SendRetries  int
	RetryBackoff time.Duration

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Dependencies are the collaborators of a node. Backup, Holder and ShareStore
// are optional.
type Dependencies struct {
	Ledger    interfaces.Ledger
	Transport interfaces.Transport
	Encryptor interfaces.Encryptor
	Signer    interfaces.Signer

	Backup     *backup.Manager
	Holder     *backup.Holder
	ShareStore *storage.ShareBackup
}

// Status is a point-in-time view of a node, safe to expose.
type Status struct {
	Node                    interfaces.NodeID       `json:"node"`
	Group                   interfaces.GroupID      `json:"group"`
	Cluster                 string                  `json:"cluster"`
	Epoch                   interfaces.Epoch        `json:"epoch"`
	OwnedSlot               int                     `json:"owned_slot"`
	Members                 int                     `json:"members"`
	HeldShares              int                     `json:"held_shares"`
	Refreshing              bool                    `json:"refreshing"`
	RefreshState            string                  `json:"refresh_state"`
	QueuedSigning           int                     `json:"queued_signing"`
	PendingBackupDeliveries int                     `json:"pending_backup_deliveries"`
	Invariant               refresh.InvariantReport `json:"invariant"`
	UpdatedAt               time.Time               `json:"updated_at"`
}

type inbound struct {
	ctx   context.Context
	env   *interfaces.Envelope
	reply chan inboundResult
}

type inboundResult struct {
	env *interfaces.Envelope
	err error
}

// refreshRound tracks a membership change until the new shares are adopted
// and committed, or its deadline passes.
type refreshRound struct {
	fromEpoch   interfaces.Epoch
	coordinator interfaces.NodeID
	deadline    time.Time
}

// Node drives the custody engine of one group member. All of its mutable
// state is owned by the Run goroutine; network-bound work runs in goroutines
// that report back over the results channel.
type Node struct {
	cfg  Config
	log  *slog.Logger
	deps Dependencies

	owners    *ownership.Registry
	refresher *refresh.Coordinator

	membership chan interfaces.MembershipChange
	signing    chan interfaces.SigningRequest
	inbound    chan inbound
	results    chan func(context.Context)
	done       chan struct{}

	// Owned by the Run goroutine.
	epoch       interfaces.Epoch
	shares      map[interfaces.SlotIndex]interfaces.Share
	round       *refreshRound
	retired     bool
	queued      []interfaces.SigningRequest
	signingBusy bool
	backupBusy  bool
	backupStale bool

	statusMu sync.RWMutex
	status   Status

	running atomic.Bool
}

// NewNode returns a node that still needs Init before Run.
func NewNode(cfg Config, deps Dependencies) (*Node, error) {
	if err := cfg.Self.Validate(); err != nil {
		return nil, err
	}
	if cfg.Group == "" {
		return nil, errors.New("node needs a group")
	}
	if cfg.Threshold < 2 {
		return nil, fmt.Errorf("%w: threshold %d", interfaces.ErrInvalidParameters, cfg.Threshold)
	}
	if deps.Ledger == nil || deps.Transport == nil || deps.Encryptor == nil || deps.Signer == nil {
		return nil, errors.New("node needs a ledger, a transport, an encryptor and a signer")
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = session.DefaultTTL
	}
	if cfg.CollectTimeout == 0 {
		cfg.CollectTimeout = DefaultCollectTimeout
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = refresh.DefaultTimeout
	}
	if cfg.DistributeTimeout == 0 {
		cfg.DistributeTimeout = refresh.DefaultDistributeTimeout
	}
	if cfg.CommitmentWait == 0 {
		cfg.CommitmentWait = DefaultCommitmentWait
	}
	if cfg.CommitmentPollInterval == 0 {
		cfg.CommitmentPollInterval = DefaultCommitmentPollInterval
	}
	if cfg.InvariantInterval == 0 {
		cfg.InvariantInterval = DefaultInvariantInterval
	}
	if cfg.RebalanceInterval == 0 {
		cfg.RebalanceInterval = DefaultRebalanceInterval
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.SendRetries == 0 {
		cfg.SendRetries = DefaultSendRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.ClusterName == "" {
		cfg.ClusterName = ClusterName("custody", cfg.Group)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	log := cfg.Log.With(slog.String("cluster", cfg.ClusterName), slog.String("node", string(cfg.Self)))

	return &Node{
		cfg:  cfg,
		log:  log,
		deps: deps,
		refresher: refresh.New(refresh.Config{
			Timeout:           cfg.RefreshTimeout,
			DistributeTimeout: cfg.DistributeTimeout,
			Log:               log,
			Metrics:           cfg.Metrics,
		}),
		membership: make(chan interfaces.MembershipChange, eventBuffer),
		signing:    make(chan interfaces.SigningRequest, eventBuffer),
		inbound:    make(chan inbound),
		results:    make(chan func(context.Context), eventBuffer),
		done:       make(chan struct{}),
		shares:     make(map[interfaces.SlotIndex]interfaces.Share),
	}, nil
}

// Init loads the membership and epoch from the ledger, restores the node's
// shares and subscribes to ledger and transport events. imported, when not
// empty, are genesis shares to adopt instead of the persisted ones.
func (n *Node) Init(ctx context.Context, imported []interfaces.Share) error {
	members, err := n.deps.Ledger.GetMembers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load members: %w", err)
	}
	epoch, err := n.deps.Ledger.GetEpoch(ctx)
	if err != nil {
		return fmt.Errorf("failed to load epoch: %w", err)
	}

	n.owners = ownership.New(len(members))
	if err := n.owners.Initialize(members); err != nil {
		return fmt.Errorf("failed to initialize ownership: %w", err)
	}
	n.epoch = epoch

	shares := imported
	if len(shares) == 0 && n.deps.ShareStore != nil {
		stored, loaded, err := n.deps.ShareStore.LoadLatest(ctx)
		switch {
		case errors.Is(err, interfaces.ErrContentNotFound):
		case err != nil:
			n.log.Warn("Failed to load persisted shares", "err", err)
		case stored != epoch:
			n.log.Warn("Persisted shares are from another epoch, waiting for a refresh", "stored", stored, "epoch", epoch)
			interfaces.WipeShares(loaded)
		default:
			shares = loaded
		}
	}

	if len(shares) > 0 {
		if err := n.validateOwnShares(shares, epoch); err != nil {
			return err
		}
		for _, s := range shares {
			n.shares[s.Slot] = s
		}
		if len(imported) > 0 && n.deps.ShareStore != nil {
			if err := n.deps.ShareStore.Save(ctx, epoch, imported); err != nil {
				return err
			}
		}
	}

	n.deps.Ledger.OnMembershipChanged(func(change interfaces.MembershipChange) {
		select {
		case n.membership <- change:
		case <-n.done:
		}
	})
	n.deps.Ledger.OnSigningRequested(func(req interfaces.SigningRequest) {
		select {
		case n.signing <- req:
		case <-n.done:
		}
	})
	n.deps.Transport.Handle(n.handleEnvelope)

	n.cfg.Metrics.SetEpoch(uint64(epoch))
	n.publishStatus()
	n.log.Info("Node initialized", "epoch", epoch, "members", len(members), "shares", len(n.shares))
	return nil
}

// validateOwnShares checks that shares are the local node's shares of every
// slot at epoch.
func (n *Node) validateOwnShares(shares []interfaces.Share, epoch interfaces.Epoch) error {
	slot, err := n.owners.SlotOf(n.cfg.Self)
	if err != nil {
		return fmt.Errorf("%w: %s is not a member", interfaces.ErrUnauthorizedPeer, n.cfg.Self)
	}
	slotCount := n.owners.SlotCount()
	if len(shares) != slotCount {
		return fmt.Errorf("%w: %d shares for %d slots", interfaces.ErrCardinalityMismatch, len(shares), slotCount)
	}
	seen := make(map[interfaces.SlotIndex]struct{}, len(shares))
	for _, s := range shares {
		if s.Epoch != epoch {
			return fmt.Errorf("%w: share of slot %d from epoch %d, expected %d", interfaces.ErrInconsistentShareSet, s.Slot, s.Epoch, epoch)
		}
		if s.Index != int(slot) || s.Total != slotCount || s.Threshold != n.cfg.Threshold {
			return fmt.Errorf("%w: share of slot %d does not belong to member %d of %d", interfaces.ErrInconsistentShareSet, s.Slot, slot, slotCount)
		}
		if s.Slot < 0 || int(s.Slot) >= slotCount {
			return fmt.Errorf("%w: slot %d out of range", interfaces.ErrInconsistentShareSet, s.Slot)
		}
		if _, dup := seen[s.Slot]; dup {
			return fmt.Errorf("%w: duplicate share of slot %d", interfaces.ErrInconsistentShareSet, s.Slot)
		}
		seen[s.Slot] = struct{}{}
	}
	return nil
}

// Run is the coordination loop. It returns when ctx ends.
func (n *Node) Run(ctx context.Context) error {
	if n.owners == nil {
		return errors.New("node is not initialized")
	}
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("node is already running")
	}
	defer close(n.done)

	invariant := time.NewTicker(n.cfg.InvariantInterval)
	defer invariant.Stop()
	rebalance := time.NewTicker(n.cfg.RebalanceInterval)
	defer rebalance.Stop()
	retry := time.NewTicker(n.cfg.RetryInterval)
	defer retry.Stop()

	n.log.Info("Coordination loop started")
	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return ctx.Err()
		case change := <-n.membership:
			n.onMembershipChanged(ctx, change)
		case req := <-n.signing:
			n.onSigningRequest(ctx, req)
		case in := <-n.inbound:
			if err := in.ctx.Err(); err != nil {
				in.reply <- inboundResult{err: err}
				break
			}
			n.drainMembership(ctx)
			env, err := n.handleInbound(ctx, in.env)
			in.reply <- inboundResult{env: env, err: err}
		case fn := <-n.results:
			fn(ctx)
		case <-invariant.C:
			n.checkInvariant(ctx)
		case <-rebalance.C:
			n.rebalanceBackup(ctx)
		case <-retry.C:
			n.retryBackup(ctx)
		}
		n.publishStatus()
	}
}

// drainMembership applies membership changes already delivered by the ledger
// so that inbound envelopes are judged against the latest membership.
func (n *Node) drainMembership(ctx context.Context) {
	for {
		select {
		case change := <-n.membership:
			n.onMembershipChanged(ctx, change)
		default:
			return
		}
	}
}

// post hands fn to the loop. It is used by background work to report back.
func (n *Node) post(fn func(context.Context)) {
	select {
	case n.results <- fn:
	case <-n.done:
	}
}

// call runs fn on the loop and waits for it.
func (n *Node) call(ctx context.Context, fn func(context.Context)) error {
	finished := make(chan struct{})
	select {
	case n.results <- func(ctx context.Context) {
		defer close(finished)
		fn(ctx)
	}:
	case <-n.done:
		return errors.New("node stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-n.done:
		return errors.New("node stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) shutdown() {
	n.refresher.Clear()
	n.wipeShares()
	n.log.Info("Coordination loop stopped")
}

func (n *Node) wipeShares() {
	for slot, s := range n.shares {
		s.Wipe()
		delete(n.shares, slot)
	}
}

// ownShares returns copies of the node's shares ordered by slot.
func (n *Node) ownShares() []interfaces.Share {
	out := make([]interfaces.Share, 0, len(n.shares))
	for _, s := range n.shares {
		s.Value = append([]byte(nil), s.Value...)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (n *Node) peers() []interfaces.NodeID {
	members := n.owners.Members()
	out := make([]interfaces.NodeID, 0, len(members))
	for _, m := range members {
		if m != n.cfg.Self {
			out = append(out, m)
		}
	}
	return out
}

// elected returns the coordinator of the current epoch's rounds.
func (n *Node) elected() interfaces.NodeID {
	return Elect(n.owners.Members(), ElectionSeed(n.cfg.Group, n.epoch))
}

func (n *Node) publishStatus() {
	st := Status{
		Node:          n.cfg.Self,
		Group:         n.cfg.Group,
		Cluster:       n.cfg.ClusterName,
		Epoch:         n.epoch,
		OwnedSlot:     -1,
		Members:       len(n.owners.Members()),
		HeldShares:    len(n.shares),
		Refreshing:    n.round != nil,
		RefreshState:  n.refresher.State().String(),
		QueuedSigning: len(n.queued),
		Invariant:     n.refresher.LastReport(),
		UpdatedAt:     time.Now(),
	}
	if slot, err := n.owners.SlotOf(n.cfg.Self); err == nil {
		st.OwnedSlot = int(slot)
	}
	if n.deps.Backup != nil {
		st.PendingBackupDeliveries = n.deps.Backup.PendingDeliveries()
	}

	n.statusMu.Lock()
	n.status = st
	n.statusMu.Unlock()
}

// Status returns the node status as of the last loop iteration.
func (n *Node) Status() Status {
	n.statusMu.RLock()
	defer n.statusMu.RUnlock()
	return n.status
}
