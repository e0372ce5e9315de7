package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/kms"
	"github.com/ruteri/threshold-key-custody/metrics"
)

const (
	DefaultBackupThreshold = 3
	DefaultBackupTotal     = 5
	DefaultHealthyMin      = 8
	DefaultFragmentTimeout = 5 * time.Second
	DefaultSendRetries     = 3
	DefaultRetryInterval   = 200 * time.Millisecond
)

// Config describes the backup scheme of one group and its delivery retries.
type Config struct {
	Group interfaces.GroupID
	Self  interfaces.NodeID

	// Backup scheme, 3-of-5 by default.
	BackupThreshold int
	BackupTotal     int

	// Primary scheme the recovered shares are issued under.
	PrimaryThreshold int
	PrimaryTotal     int

	// HealthyMin and CatastrophicMin bound the health classes. CatastrophicMin
	// defaults to the primary threshold.
	HealthyMin      int
	CatastrophicMin int

	FragmentTimeout time.Duration
	SendRetries     int
	RetryInterval   time.Duration

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// DistributionReport describes where the bundles of one distribution went.
type DistributionReport struct {
	Epoch       interfaces.Epoch              `json:"epoch"`
	Assignments []interfaces.BackupAssignment `json:"assignments"`
	Delivered   int                           `json:"delivered"`
	Pending     int                           `json:"pending"`

	// Errors aggregates the delivery and ledger failures. They do not fail
	// the distribution; undelivered bundles wait for RetryPending.
	Errors error `json:"-"`
}

// RebalanceReport describes a reaction to a change in the other groups.
type RebalanceReport struct {
	HealthyGroups []interfaces.GroupID `json:"healthy_groups"`
	Pruned        int                  `json:"pruned"`
	Changed       bool                 `json:"changed"`
	Distribution  *DistributionReport  `json:"distribution,omitempty"`
}

type pendingDelivery struct {
	assignment interfaces.BackupAssignment
	ciphertext []byte
}

// Manager places a secondary split of the group's slot secrets with nodes of
// other healthy groups, and rebuilds the group's shares from those fragments
// after a catastrophic loss of members.
type Manager struct {
	cfg       Config
	log       *slog.Logger
	ledger    interfaces.Ledger
	transport interfaces.Transport
	encryptor interfaces.Encryptor

	mu        sync.Mutex
	records   map[int]interfaces.BackupAssignment
	pending   []pendingDelivery
	lastGroup []interfaces.GroupID
}

// NewManager validates both sharing schemes and fills in the defaults.
func NewManager(cfg Config, ledger interfaces.Ledger, transport interfaces.Transport, encryptor interfaces.Encryptor) (*Manager, error) {
	if cfg.BackupThreshold == 0 {
		cfg.BackupThreshold = DefaultBackupThreshold
	}
	if cfg.BackupTotal == 0 {
		cfg.BackupTotal = DefaultBackupTotal
	}
	if err := kms.ValidateParams(cfg.BackupTotal, cfg.BackupThreshold); err != nil {
		return nil, fmt.Errorf("invalid backup scheme: %w", err)
	}
	if err := kms.ValidateParams(cfg.PrimaryTotal, cfg.PrimaryThreshold); err != nil {
		return nil, fmt.Errorf("invalid primary scheme: %w", err)
	}
	if cfg.HealthyMin == 0 {
		cfg.HealthyMin = DefaultHealthyMin
	}
	if cfg.CatastrophicMin == 0 {
		cfg.CatastrophicMin = cfg.PrimaryThreshold
	}
	if cfg.CatastrophicMin > cfg.HealthyMin {
		return nil, fmt.Errorf("catastrophic bound %d above healthy bound %d", cfg.CatastrophicMin, cfg.HealthyMin)
	}
	if cfg.FragmentTimeout == 0 {
		cfg.FragmentTimeout = DefaultFragmentTimeout
	}
	if cfg.SendRetries == 0 {
		cfg.SendRetries = DefaultSendRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Manager{
		cfg:       cfg,
		log:       cfg.Log.With(slog.String("group", string(cfg.Group))),
		ledger:    ledger,
		transport: transport,
		encryptor: encryptor,
		records:   make(map[int]interfaces.BackupAssignment),
	}, nil
}

// CreateBackupShares re-splits every slot secret under the backup scheme and
// groups the fragments by backup index. Only one slot secret is reconstructed
// at a time and each is destroyed before the next slot is processed.
func (m *Manager) CreateBackupShares(primary map[interfaces.SlotIndex][]interfaces.Share) ([]interfaces.FragmentBundle, error) {
	if len(primary) == 0 {
		return nil, interfaces.ErrNoSecretsHeld
	}

	slots := make([]interfaces.SlotIndex, 0, len(primary))
	for slot := range primary {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	bundles := make([]interfaces.FragmentBundle, m.cfg.BackupTotal)
	for i := range bundles {
		bundles[i] = interfaces.FragmentBundle{SourceGroup: m.cfg.Group, BackupIndex: i}
	}

	var epoch interfaces.Epoch
	for n, slot := range slots {
		shares := primary[slot]
		if len(shares) == 0 {
			wipeBundles(bundles)
			return nil, fmt.Errorf("%w: no shares for slot %d", interfaces.ErrInsufficientShares, slot)
		}
		if n == 0 {
			epoch = shares[0].Epoch
		} else if shares[0].Epoch != epoch {
			wipeBundles(bundles)
			return nil, fmt.Errorf("%w: slot %d is at epoch %d, expected %d", interfaces.ErrInconsistentShareSet, slot, shares[0].Epoch, epoch)
		}

		fragments, err := m.splitSlot(slot, epoch, shares)
		if err != nil {
			wipeBundles(bundles)
			return nil, fmt.Errorf("failed to create backup fragments for slot %d: %w", slot, err)
		}
		for i, f := range fragments {
			bundles[i].Fragments = append(bundles[i].Fragments, interfaces.BackupFragment{SourceGroup: m.cfg.Group, Share: f})
		}
	}

	for i := range bundles {
		bundles[i].Epoch = epoch
	}
	m.log.Info("Created backup fragments", "slots", len(slots), "bundles", len(bundles), "epoch", epoch)
	return bundles, nil
}

func (m *Manager) splitSlot(slot interfaces.SlotIndex, epoch interfaces.Epoch, shares []interfaces.Share) ([]interfaces.Share, error) {
	secret, err := kms.Combine(shares)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	return kms.Split(secret, interfaces.ShareParams{
		Slot:      slot,
		Epoch:     epoch,
		Threshold: m.cfg.BackupThreshold,
		Total:     m.cfg.BackupTotal,
	})
}

// DistributeToOtherGroups assigns bundles round-robin across the healthy
// groups (other than the own group) and then across each group's members,
// encrypts every bundle for its holder and delivers it.
//
// Encryption happens for all bundles before anything is sent: a missing
// recipient key fails the whole distribution. Delivery failures do not; the
// encrypted bundle is kept for RetryPending and reported.
func (m *Manager) DistributeToOtherGroups(ctx context.Context, bundles []interfaces.FragmentBundle, groups []interfaces.Group) (*DistributionReport, error) {
	if len(bundles) == 0 {
		return nil, interfaces.ErrNoSecretsHeld
	}
	targets := m.HealthyGroups(groups)
	if len(targets) == 0 {
		return nil, interfaces.ErrNoHealthyGroups
	}

	epoch := bundles[0].Epoch
	deliveries := make([]pendingDelivery, len(bundles))
	for i := range bundles {
		group := targets[i%len(targets)]
		holder := group.Members[(i/len(targets))%len(group.Members)]

		payload, err := json.Marshal(&bundles[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode bundle %d: %w", bundles[i].BackupIndex, err)
		}
		ciphertext, err := m.encryptor.EncryptFor(holder, payload)
		wipeBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt bundle %d for %s: %w", bundles[i].BackupIndex, holder, err)
		}

		deliveries[i] = pendingDelivery{
			assignment: interfaces.BackupAssignment{
				SourceGroup: m.cfg.Group,
				TargetGroup: group.ID,
				Holder:      holder,
				BackupIndex: bundles[i].BackupIndex,
				Epoch:       epoch,
			},
			ciphertext: ciphertext,
		}
	}

	report := &DistributionReport{Epoch: epoch}
	var errs *multierror.Error
	var failed []pendingDelivery
	for _, d := range deliveries {
		err := m.deliverWithRetry(ctx, d)
		if err != nil {
			m.log.Warn("Backup bundle delivery failed, holding for retry",
				slog.String("holder", string(d.assignment.Holder)),
				"backupIndex", d.assignment.BackupIndex,
				"err", err)
			m.cfg.Metrics.BackupDelivery(metrics.OutcomeError)
			errs = multierror.Append(errs, fmt.Errorf("bundle %d to %s: %w", d.assignment.BackupIndex, d.assignment.Holder, err))
			failed = append(failed, d)
		} else {
			m.cfg.Metrics.BackupDelivery(metrics.OutcomeOK)
			d.assignment.Delivered = true
			report.Delivered++
		}
		if err := m.record(ctx, d.assignment); err != nil {
			errs = multierror.Append(errs, err)
		}
		report.Assignments = append(report.Assignments, d.assignment)
	}

	m.mu.Lock()
	m.pending = failed
	m.cfg.Metrics.SetPendingDeliveries(len(m.pending))
	m.mu.Unlock()

	report.Pending = len(failed)
	report.Errors = errs.ErrorOrNil()
	m.log.Info("Distributed backup bundles",
		"epoch", epoch,
		"groups", len(targets),
		"delivered", report.Delivered,
		"pending", report.Pending)
	return report, nil
}

func (m *Manager) deliver(ctx context.Context, d pendingDelivery) error {
	reply, err := m.transport.Send(ctx, d.assignment.Holder, &interfaces.Envelope{
		Type:      interfaces.MsgBackupStore,
		Group:     d.assignment.SourceGroup,
		Epoch:     d.assignment.Epoch,
		Slot:      interfaces.SlotIndex(d.assignment.BackupIndex),
		RequestID: uuid.New().String(),
		Payload:   d.ciphertext,
	})
	if err != nil {
		return err
	}
	if reply.Type != interfaces.MsgAck {
		return fmt.Errorf("unexpected reply %q: %s", reply.Type, string(reply.Payload))
	}
	return nil
}

func (m *Manager) deliverWithRetry(ctx context.Context, d pendingDelivery) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.SendRetries)), ctx)

	return backoff.Retry(func() error {
		err := m.deliver(ctx, d)
		if errors.Is(err, interfaces.ErrUnauthorizedPeer) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (m *Manager) record(ctx context.Context, a interfaces.BackupAssignment) error {
	m.mu.Lock()
	m.records[a.BackupIndex] = a
	m.mu.Unlock()

	if m.ledger == nil {
		return nil
	}
	if err := m.ledger.RecordBackupAssignment(ctx, a); err != nil {
		m.log.Warn("Failed to record backup assignment on ledger", "backupIndex", a.BackupIndex, "err", err)
		return fmt.Errorf("failed to record assignment %d: %w", a.BackupIndex, err)
	}
	return nil
}

// RetryPending makes one more delivery attempt for every bundle that could
// not be delivered. It returns the number delivered.
func (m *Manager) RetryPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	var errs *multierror.Error
	var still []pendingDelivery
	delivered := 0
	for _, d := range pending {
		if err := m.deliver(ctx, d); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bundle %d to %s: %w", d.assignment.BackupIndex, d.assignment.Holder, err))
			still = append(still, d)
			continue
		}
		m.cfg.Metrics.BackupDelivery(metrics.OutcomeOK)
		delivered++
		d.assignment.Delivered = true
		if err := m.record(ctx, d.assignment); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	m.mu.Lock()
	// A distribution that ran meanwhile supersedes these bundles.
	if m.pending == nil {
		m.pending = still
	}
	m.cfg.Metrics.SetPendingDeliveries(len(m.pending))
	m.mu.Unlock()

	if delivered > 0 {
		m.log.Info("Delivered pending backup bundles", "delivered", delivered, "remaining", len(still))
	}
	return delivered, errs.ErrorOrNil()
}

// PendingDeliveries returns the number of bundles awaiting delivery.
func (m *Manager) PendingDeliveries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Invalidate forces the next rebalance to recreate the backup, as needed once
// the primary shares were refreshed.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastGroup = nil
}

// Assignments returns the locally recorded placements ordered by backup index.
func (m *Manager) Assignments() []interfaces.BackupAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignmentsLocked()
}

func (m *Manager) assignmentsLocked() []interfaces.BackupAssignment {
	out := make([]interfaces.BackupAssignment, 0, len(m.records))
	for _, a := range m.records {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupIndex < out[j].BackupIndex })
	return out
}

// RebalanceOnLifecycleChange reclassifies the other groups from the ledger.
// Assignments held by groups that are no longer healthy are dropped, and when
// the healthy set changed the backup is recreated from the primary shares
// returned by collect and redistributed.
func (m *Manager) RebalanceOnLifecycleChange(ctx context.Context, collect func(ctx context.Context) (map[interfaces.SlotIndex][]interfaces.Share, error)) (*RebalanceReport, error) {
	groups, err := m.ledger.GetGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	healthy := m.HealthyGroups(groups)
	healthyIDs := groupIDs(healthy)
	report := &RebalanceReport{HealthyGroups: healthyIDs}

	healthySet := make(map[interfaces.GroupID]struct{}, len(healthy))
	for _, g := range healthy {
		healthySet[g.ID] = struct{}{}
	}

	m.mu.Lock()
	for idx, a := range m.records {
		if _, ok := healthySet[a.TargetGroup]; !ok {
			delete(m.records, idx)
			report.Pruned++
		}
	}
	kept := m.pending[:0]
	for _, d := range m.pending {
		if _, ok := healthySet[d.assignment.TargetGroup]; ok {
			kept = append(kept, d)
		}
	}
	m.pending = kept
	report.Changed = !sameGroups(m.lastGroup, healthyIDs)
	m.mu.Unlock()

	if !report.Changed && report.Pruned == 0 {
		return report, nil
	}
	m.log.Info("Backup holders changed",
		"healthyGroups", len(healthyIDs),
		"pruned", report.Pruned)

	if len(healthy) == 0 {
		m.mu.Lock()
		m.lastGroup = healthyIDs
		m.mu.Unlock()
		return report, interfaces.ErrNoHealthyGroups
	}

	primary, err := collect(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to collect primary shares: %w", err)
	}
	bundles, err := m.CreateBackupShares(primary)
	for _, shares := range primary {
		interfaces.WipeShares(shares)
	}
	if err != nil {
		return report, err
	}
	defer wipeBundles(bundles)

	dist, err := m.DistributeToOtherGroups(ctx, bundles, healthy)
	if err != nil {
		return report, err
	}
	report.Distribution = dist

	m.mu.Lock()
	m.lastGroup = healthyIDs
	m.mu.Unlock()
	return report, nil
}

func wipeBundles(bundles []interfaces.FragmentBundle) {
	for i := range bundles {
		bundles[i].Wipe()
	}
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
