package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// DefaultPollInterval is how often the watcher polls the contract for
// membership changes and signing requests.
const DefaultPollInterval = 2 * time.Second

// GroupKey maps a group ID to its bytes32 contract key. Hex IDs are decoded,
// anything else is hashed.
func GroupKey(group interfaces.GroupID) [32]byte {
	s := string(group)
	if len(s) == 66 && s[:2] == "0x" {
		if b := common.FromHex(s); len(b) == 32 {
			return common.BytesToHash(b)
		}
	}
	return crypto.Keccak256Hash([]byte(s))
}

// GroupIDFromKey is the inverse of GroupKey for hex group IDs.
func GroupIDFromKey(key [32]byte) interfaces.GroupID {
	return interfaces.GroupID(common.Hash(key).Hex())
}

func nodeAddress(node interfaces.NodeID) (common.Address, error) {
	if !common.IsHexAddress(string(node)) {
		return common.Address{}, fmt.Errorf("node id %q is not an account address", node)
	}
	return common.HexToAddress(string(node)), nil
}

// OnchainLedger implements interfaces.Ledger for one group on top of the
// custody registry contract. Events are discovered by polling (see Watch).
type OnchainLedger struct {
	contract *bind.BoundContract
	backend  bind.DeployBackend
	address  common.Address
	group    [32]byte
	groupID  interfaces.GroupID
	auth     *bind.TransactOpts
	log      *slog.Logger

	mu            sync.Mutex
	membershipCbs []func(interfaces.MembershipChange)
	signingCbs    []func(interfaces.SigningRequest)
	lastMembers   []interfaces.NodeID
	seenRequests  map[string]struct{}
}

// NewOnchainLedger creates a ledger client for group bound to the contract at address.
// backend is used to wait for transactions to be mined and may be nil, in which
// case writes return as soon as the transaction is sent.
func NewOnchainLedger(client bind.ContractBackend, backend bind.DeployBackend, address common.Address, group interfaces.GroupID, log *slog.Logger) (*OnchainLedger, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	return &OnchainLedger{
		contract:     bind.NewBoundContract(address, parsed, client, client, client),
		backend:      backend,
		address:      address,
		group:        GroupKey(group),
		groupID:      group,
		log:          log,
		seenRequests: make(map[string]struct{}),
	}, nil
}

// Address returns the registry contract address.
func (c *OnchainLedger) Address() common.Address {
	return c.address
}

// SetTransactOpts sets the transaction options required for functions that modify state.
func (c *OnchainLedger) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

func (c *OnchainLedger) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return out, nil
}

func (c *OnchainLedger) transact(ctx context.Context, method string, params ...interface{}) error {
	if c.auth == nil {
		return interfaces.ErrNoTransactOpts
	}
	opts := *c.auth
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	if c.backend == nil {
		return nil
	}

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return fmt.Errorf("failed waiting for %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s reverted in tx %s", method, tx.Hash().Hex())
	}
	return nil
}

func (c *OnchainLedger) members(ctx context.Context, group [32]byte) ([]interfaces.NodeID, error) {
	out, err := c.call(ctx, "getMembers", group)
	if err != nil {
		return nil, err
	}
	addrs := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)

	members := make([]interfaces.NodeID, len(addrs))
	for i, a := range addrs {
		members[i] = interfaces.NodeID(a.Hex())
	}
	return members, nil
}

// GetMembers returns the group's members ordered by slot.
func (c *OnchainLedger) GetMembers(ctx context.Context) ([]interfaces.NodeID, error) {
	return c.members(ctx, c.group)
}

// GetEpoch returns the group's current share epoch.
func (c *OnchainLedger) GetEpoch(ctx context.Context) (interfaces.Epoch, error) {
	out, err := c.call(ctx, "getEpoch", c.group)
	if err != nil {
		return 0, err
	}
	return interfaces.Epoch(*abi.ConvertType(out[0], new(uint64)).(*uint64)), nil
}

// GetGroups returns every registered group with its members and active member count.
func (c *OnchainLedger) GetGroups(ctx context.Context) ([]interfaces.Group, error) {
	out, err := c.call(ctx, "getGroups")
	if err != nil {
		return nil, err
	}
	ids := *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)

	groups := make([]interfaces.Group, 0, len(ids))
	for _, id := range ids {
		members, err := c.members(ctx, id)
		if err != nil {
			return nil, err
		}
		activeOut, err := c.call(ctx, "activeMembers", id)
		if err != nil {
			return nil, err
		}
		active := *abi.ConvertType(activeOut[0], new(*big.Int)).(**big.Int)

		groups = append(groups, interfaces.Group{
			ID:            GroupIDFromKey(id),
			Members:       members,
			ActiveMembers: int(active.Int64()),
		})
	}
	return groups, nil
}

// OnMembershipChanged registers a callback invoked by Poll.
func (c *OnchainLedger) OnMembershipChanged(cb func(interfaces.MembershipChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.membershipCbs = append(c.membershipCbs, cb)
}

// OnSigningRequested registers a callback invoked by Poll.
func (c *OnchainLedger) OnSigningRequested(cb func(interfaces.SigningRequest)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signingCbs = append(c.signingCbs, cb)
}

// PublishShareCommitment publishes the sender's share commitment for epoch.
func (c *OnchainLedger) PublishShareCommitment(ctx context.Context, hash [32]byte, epoch interfaces.Epoch) error {
	return c.transact(ctx, "publishShareCommitment", c.group, uint64(epoch), hash)
}

// CommitmentStatus reports whether every member has committed for epoch.
func (c *OnchainLedger) CommitmentStatus(ctx context.Context, epoch interfaces.Epoch) (bool, int, error) {
	out, err := c.call(ctx, "commitmentStatus", c.group, uint64(epoch))
	if err != nil {
		return false, 0, err
	}
	complete := *abi.ConvertType(out[0], new(bool)).(*bool)
	submitted := *abi.ConvertType(out[1], new(*big.Int)).(**big.Int)
	return complete, int(submitted.Int64()), nil
}

// AdvanceEpoch moves the group to epoch.
func (c *OnchainLedger) AdvanceEpoch(ctx context.Context, epoch interfaces.Epoch) error {
	return c.transact(ctx, "advanceEpoch", c.group, uint64(epoch))
}

// RecordBackupAssignment records where a backup bundle was placed.
func (c *OnchainLedger) RecordBackupAssignment(ctx context.Context, a interfaces.BackupAssignment) error {
	holder, err := nodeAddress(a.Holder)
	if err != nil {
		return err
	}
	return c.transact(ctx, "recordBackupAssignment",
		GroupKey(a.SourceGroup), GroupKey(a.TargetGroup), holder,
		big.NewInt(int64(a.BackupIndex)), uint64(a.Epoch), a.Delivered)
}

// GetBackupAssignments returns the recorded backup placements of group.
func (c *OnchainLedger) GetBackupAssignments(ctx context.Context, group interfaces.GroupID) ([]interfaces.BackupAssignment, error) {
	out, err := c.call(ctx, "getBackupAssignments", GroupKey(group))
	if err != nil {
		return nil, err
	}
	targets := *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)
	holders := *abi.ConvertType(out[1], new([]common.Address)).(*[]common.Address)
	indices := *abi.ConvertType(out[2], new([]*big.Int)).(*[]*big.Int)
	epochs := *abi.ConvertType(out[3], new([]uint64)).(*[]uint64)
	delivered := *abi.ConvertType(out[4], new([]bool)).(*[]bool)

	n := len(targets)
	if len(holders) != n || len(indices) != n || len(epochs) != n || len(delivered) != n {
		return nil, fmt.Errorf("malformed backup assignment response")
	}

	assignments := make([]interfaces.BackupAssignment, n)
	for i := range targets {
		assignments[i] = interfaces.BackupAssignment{
			SourceGroup: group,
			TargetGroup: GroupIDFromKey(targets[i]),
			Holder:      interfaces.NodeID(holders[i].Hex()),
			BackupIndex: int(indices[i].Int64()),
			Epoch:       interfaces.Epoch(epochs[i]),
			Delivered:   delivered[i],
		}
	}
	return assignments, nil
}

// SubmitSignature returns a produced signature for a signing request.
func (c *OnchainLedger) SubmitSignature(ctx context.Context, requestID string, signature []byte) error {
	return c.transact(ctx, "submitSignature", common.HexToHash(requestID), signature)
}

// Poll fetches the group's membership and pending signing requests once and
// dispatches callbacks for anything new. The first poll only records the
// membership baseline.
func (c *OnchainLedger) Poll(ctx context.Context) error {
	members, err := c.GetMembers(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.lastMembers
	c.lastMembers = members
	c.mu.Unlock()

	if prev != nil {
		if change, changed := diffMembership(c.groupID, prev, members); changed {
			epoch, err := c.GetEpoch(ctx)
			if err != nil {
				return err
			}
			change.Epoch = epoch
			c.log.Info("Membership change detected",
				"group", c.groupID,
				"leaving", len(change.Leaving),
				"joining", len(change.Joining))
			for _, cb := range c.membershipCallbacks() {
				cb(change)
			}
		}
	}

	out, err := c.call(ctx, "pendingSigningRequests", c.group)
	if err != nil {
		return err
	}
	ids := *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)
	slots := *abi.ConvertType(out[1], new([]*big.Int)).(*[]*big.Int)
	txData := *abi.ConvertType(out[2], new([][]byte)).(*[][]byte)
	if len(slots) != len(ids) || len(txData) != len(ids) {
		return fmt.Errorf("malformed signing request response")
	}

	for i, id := range ids {
		requestID := common.Hash(id).Hex()
		c.mu.Lock()
		_, seen := c.seenRequests[requestID]
		c.seenRequests[requestID] = struct{}{}
		cbs := c.signingCbs
		c.mu.Unlock()
		if seen {
			continue
		}
		req := interfaces.SigningRequest{
			ID:     requestID,
			Slot:   interfaces.SlotIndex(slots[i].Int64()),
			TxData: txData[i],
		}
		for _, cb := range cbs {
			cb(req)
		}
	}
	return nil
}

func (c *OnchainLedger) membershipCallbacks() []func(interfaces.MembershipChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membershipCbs
}

// Watch polls until ctx is done.
func (c *OnchainLedger) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("Ledger poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// diffMembership pairs slot positions whose member changed.
func diffMembership(group interfaces.GroupID, prev, next []interfaces.NodeID) (interfaces.MembershipChange, bool) {
	change := interfaces.MembershipChange{
		Group:   group,
		Members: append([]interfaces.NodeID(nil), next...),
	}
	for i := 0; i < len(prev) && i < len(next); i++ {
		if prev[i] != next[i] {
			change.Leaving = append(change.Leaving, prev[i])
			change.Joining = append(change.Joining, next[i])
		}
	}
	return change, len(change.Leaving) > 0
}
