package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/kms"
	"github.com/ruteri/threshold-key-custody/metrics"
	"github.com/ruteri/threshold-key-custody/ownership"
	"go.uber.org/atomic"
)

const (
	// DefaultTimeout bounds reconstruction plus re-split.
	DefaultTimeout = 750 * time.Millisecond

	// DefaultCeiling is the longest any secret may be held before the
	// invariant check force-clears it.
	DefaultCeiling = 5 * time.Second

	DefaultDistributeTimeout = 10 * time.Second
)

// State is the lifecycle state of a refresh.
type State int

const (
	StateIdle State = iota
	// StateAllReconstructed: every slot secret is held in memory.
	StateAllReconstructed
	StateReSplit
	StateDistributed
	// StateCleared: the secrets are wiped. The next refresh starts from here.
	StateCleared
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAllReconstructed:
		return "all_reconstructed"
	case StateReSplit:
		return "resplit"
	case StateDistributed:
		return "distributed"
	case StateCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Config bounds how long reconstructed secrets may be held.
type Config struct {
	Timeout           time.Duration
	Ceiling           time.Duration
	DistributeTimeout time.Duration

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// DistributeFunc delivers the re-split shares to their new holders. The share
// values are zeroed once it returns, so implementations copy what they keep.
type DistributeFunc func(ctx context.Context, assignments map[interfaces.NodeID][]interfaces.Share) error

// Result describes a completed refresh. The caller pairs NewEpoch with the
// ledger epoch bump.
type Result struct {
	NewEpoch    interfaces.Epoch
	Assignments map[interfaces.NodeID]int
}

// InvariantReport is the outcome of a security invariant check.
type InvariantReport struct {
	CheckedAt  time.Time     `json:"checked_at"`
	HeldSlots  int           `json:"held_slots"`
	HeldFor    time.Duration `json:"held_for"`
	Violation  bool          `json:"violation"`
	ForceClear bool          `json:"force_clear"`
}

// Coordinator is the only component allowed to hold more than one slot
// secret at a time. It does so only between ReconstructAll and the clear that
// follows the re-split, bounded by a hard timer.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	state     State
	epoch     interfaces.Epoch
	secrets   map[interfaces.SlotIndex]*kms.Secret
	heldSince time.Time
	timer     *time.Timer
	stopCtx   func() bool
	timedOut  bool

	lastReport InvariantReport
	violated   atomic.Bool
}

// New returns an idle coordinator. Zero durations take the defaults.
func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.DistributeTimeout <= 0 {
		cfg.DistributeTimeout = DefaultDistributeTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		log:     cfg.Log,
		state:   StateIdle,
		secrets: make(map[interfaces.SlotIndex]*kms.Secret),
	}
}

// State returns the current refresh state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HeldSlots returns the slots whose secrets are currently reconstructed.
func (c *Coordinator) HeldSlots() []interfaces.SlotIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heldSlotsLocked()
}

func (c *Coordinator) heldSlotsLocked() []interfaces.SlotIndex {
	slots := make([]interfaces.SlotIndex, 0, len(c.secrets))
	for slot := range c.secrets {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// Violated reports whether any invariant check ever had to force-clear.
func (c *Coordinator) Violated() bool {
	return c.violated.Load()
}

// LastReport returns the most recent invariant report.
func (c *Coordinator) LastReport() InvariantReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReport
}

// ReconstructAll reconstructs the slot of every retiring member from the
// collected shares. owners must be the mapping from before the membership
// change. The secrets are force-cleared when the hard timer fires or ctx ends.
func (c *Coordinator) ReconstructAll(ctx context.Context, owners ownership.Lookup, collected map[interfaces.SlotIndex][]interfaces.Share, retiring []interfaces.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle, StateCleared:
	default:
		return fmt.Errorf("%w: refresh is %s", interfaces.ErrRefreshInProgress, c.state)
	}
	if len(retiring) == 0 {
		return fmt.Errorf("%w: no retiring members", interfaces.ErrInsufficientShares)
	}

	c.timedOut = false
	start := time.Now()
	c.heldSince = start
	c.timer = time.AfterFunc(c.cfg.Timeout, c.forceClear)
	c.stopCtx = context.AfterFunc(ctx, c.forceClear)

	var epoch interfaces.Epoch
	first := true
	for _, node := range retiring {
		if err := ctx.Err(); err != nil {
			c.expireLocked()
			return fmt.Errorf("%w: %v", interfaces.ErrRefreshTimeout, err)
		}

		slot, err := owners.SlotOf(node)
		if err != nil {
			c.clearLocked()
			return fmt.Errorf("failed to resolve slot of retiring member %s: %w", node, err)
		}
		if _, done := c.secrets[slot]; done {
			continue
		}

		shares := collected[slot]
		if len(shares) == 0 {
			c.clearLocked()
			return fmt.Errorf("%w: no shares collected for slot %d", interfaces.ErrInsufficientShares, slot)
		}
		if first {
			epoch, first = shares[0].Epoch, false
		}
		for _, s := range shares {
			if s.Epoch != epoch {
				c.clearLocked()
				return fmt.Errorf("%w: slot %d share from epoch %d during refresh of epoch %d", interfaces.ErrInconsistentShareSet, slot, s.Epoch, epoch)
			}
		}

		secret, err := kms.Combine(shares)
		if err != nil {
			c.clearLocked()
			return fmt.Errorf("failed to reconstruct slot %d: %w", slot, err)
		}
		c.secrets[slot] = secret
	}

	if time.Since(start) > c.cfg.Timeout {
		c.expireLocked()
		return c.timeoutError()
	}

	c.epoch = epoch
	c.state = StateAllReconstructed
	c.cfg.Metrics.SetHeldSecrets(len(c.secrets))
	c.log.Info("Reconstructed all slots for refresh", "slots", len(c.secrets), "epoch", epoch)
	return nil
}

// ResplitAll splits every held secret over incoming at the next epoch.
// incoming is ordered by slot; member i receives share i of every slot.
func (c *Coordinator) ResplitAll(incoming []interfaces.NodeID, newThreshold int) (map[interfaces.NodeID][]interfaces.Share, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timedOut {
		return nil, c.timeoutError()
	}
	if c.state != StateAllReconstructed || len(c.secrets) == 0 {
		return nil, interfaces.ErrNoSecretsHeld
	}
	if err := kms.ValidateParams(len(incoming), newThreshold); err != nil {
		c.clearLocked()
		return nil, err
	}

	assignments := make(map[interfaces.NodeID][]interfaces.Share, len(incoming))
	newEpoch := c.epoch.Next()
	for _, slot := range c.heldSlotsLocked() {
		shares, err := kms.Split(c.secrets[slot], interfaces.ShareParams{
			Slot:      slot,
			Epoch:     newEpoch,
			Threshold: newThreshold,
			Total:     len(incoming),
		})
		if err != nil {
			for _, s := range assignments {
				interfaces.WipeShares(s)
			}
			c.clearLocked()
			return nil, fmt.Errorf("failed to re-split slot %d: %w", slot, err)
		}
		for i, member := range incoming {
			assignments[member] = append(assignments[member], shares[i])
		}
	}

	if time.Since(c.heldSince) > c.cfg.Timeout {
		for _, s := range assignments {
			interfaces.WipeShares(s)
		}
		c.expireLocked()
		return nil, c.timeoutError()
	}

	c.state = StateReSplit
	return assignments, nil
}

// Clear destroys every held secret.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Coordinator) clearLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopCtx != nil {
		c.stopCtx()
		c.stopCtx = nil
	}
	if len(c.secrets) > 0 {
		c.cfg.Metrics.ObserveWindow("refresh", time.Since(c.heldSince))
	}
	kms.DestroyAll(c.secrets)
	c.cfg.Metrics.SetHeldSecrets(0)
	if c.state != StateIdle {
		c.state = StateCleared
	}
}

func (c *Coordinator) forceClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.secrets) == 0 {
		return
	}
	c.expireLocked()
}

func (c *Coordinator) expireLocked() {
	held := len(c.secrets)
	c.clearLocked()
	c.timedOut = true
	c.log.Error("Refresh overran its window, secrets force-cleared", "slots", held, slog.Duration("timeout", c.cfg.Timeout))
	c.cfg.Metrics.Refresh(metrics.OutcomeTimeout)
}

func (c *Coordinator) timeoutError() error {
	return fmt.Errorf("%w: exceeded %s", interfaces.ErrRefreshTimeout, c.cfg.Timeout)
}

// PerformRefresh runs reconstruct, re-split and clear, then hands the new
// shares to distribute under its own deadline. Secrets are gone before
// distribute is called, and the handed-out share values are zeroed after it
// returns, on every path.
func (c *Coordinator) PerformRefresh(ctx context.Context, owners ownership.Lookup, collected map[interfaces.SlotIndex][]interfaces.Share, retiring, incoming []interfaces.NodeID, newThreshold int, distribute DistributeFunc) (*Result, error) {
	defer c.Clear()

	if err := c.ReconstructAll(ctx, owners, collected, retiring); err != nil {
		c.recordFailure(err)
		return nil, err
	}

	assignments, err := c.ResplitAll(incoming, newThreshold)
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}
	defer func() {
		for _, shares := range assignments {
			interfaces.WipeShares(shares)
		}
	}()

	c.mu.Lock()
	newEpoch := c.epoch.Next()
	c.mu.Unlock()
	c.Clear()

	distributeCtx, cancel := context.WithTimeout(ctx, c.cfg.DistributeTimeout)
	defer cancel()
	if err := callDistribute(distributeCtx, distribute, assignments); err != nil {
		c.cfg.Metrics.Refresh(metrics.OutcomeError)
		return nil, fmt.Errorf("failed to distribute refreshed shares: %w", err)
	}

	c.mu.Lock()
	c.state = StateDistributed
	c.mu.Unlock()

	result := &Result{
		NewEpoch:    newEpoch,
		Assignments: make(map[interfaces.NodeID]int, len(assignments)),
	}
	for node, shares := range assignments {
		result.Assignments[node] = len(shares)
	}
	c.cfg.Metrics.Refresh(metrics.OutcomeOK)
	c.log.Info("Refresh distributed", "newEpoch", newEpoch, "members", len(incoming))
	return result, nil
}

func callDistribute(ctx context.Context, distribute DistributeFunc, assignments map[interfaces.NodeID][]interfaces.Share) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("distribute panicked: %v", r)
		}
	}()
	return distribute(ctx, assignments)
}

func (c *Coordinator) recordFailure(err error) {
	if errors.Is(err, interfaces.ErrRefreshTimeout) {
		return
	}
	c.log.Warn("Refresh failed", "err", err)
	c.cfg.Metrics.Refresh(metrics.OutcomeError)
}

// CheckSecurityInvariant force-clears secrets held longer than the ceiling
// and reports the violation.
func (c *Coordinator) CheckSecurityInvariant() InvariantReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	report := InvariantReport{CheckedAt: now, HeldSlots: len(c.secrets)}
	if len(c.secrets) > 0 {
		report.HeldFor = now.Sub(c.heldSince)
		if report.HeldFor > c.cfg.Ceiling {
			report.Violation = true
			report.ForceClear = true
			c.clearLocked()
			c.timedOut = true
			c.violated.Store(true)
			c.log.Error("Security invariant violated: secrets held past ceiling",
				"slots", report.HeldSlots,
				slog.Duration("heldFor", report.HeldFor),
				slog.Duration("ceiling", c.cfg.Ceiling))
			c.cfg.Metrics.InvariantViolation()
		}
	}
	c.lastReport = report
	return report
}
