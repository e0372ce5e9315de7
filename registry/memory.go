package registry

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

type memoryGroup struct {
	members     []interfaces.NodeID
	active      int
	epoch       interfaces.Epoch
	commitments map[interfaces.Epoch]map[interfaces.NodeID][32]byte
	assignments []interfaces.BackupAssignment
}

// MemoryChain is an in-memory ledger shared by every node of every group,
// used for local deployments and end-to-end tests.
type MemoryChain struct {
	mu         sync.RWMutex
	groups     map[interfaces.GroupID]*memoryGroup
	ledgers    []*MemoryLedger
	signatures map[string]map[interfaces.NodeID][]byte
}

func NewMemoryChain() *MemoryChain {
	return &MemoryChain{
		groups:     make(map[interfaces.GroupID]*memoryGroup),
		signatures: make(map[string]map[interfaces.NodeID][]byte),
	}
}

// RegisterGroup adds a group with its slot-ordered members at epoch 0.
func (m *MemoryChain) RegisterGroup(group interfaces.GroupID, members []interfaces.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group] = &memoryGroup{
		members:     append([]interfaces.NodeID(nil), members...),
		active:      len(members),
		commitments: make(map[interfaces.Epoch]map[interfaces.NodeID][32]byte),
	}
}

// SetActiveMembers overrides the active member count of a group, simulating
// node failures the ledger has observed.
func (m *MemoryChain) SetActiveMembers(group interfaces.GroupID, active int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return fmt.Errorf("%w: group %s", interfaces.ErrNotFound, group)
	}
	g.active = active
	return nil
}

// LedgerFor returns the view of the chain used by node, a member of group.
func (m *MemoryChain) LedgerFor(group interfaces.GroupID, node interfaces.NodeID) *MemoryLedger {
	l := &MemoryLedger{chain: m, group: group, self: node}
	m.mu.Lock()
	m.ledgers = append(m.ledgers, l)
	m.mu.Unlock()
	return l
}

func (m *MemoryChain) ledgersOf(group interfaces.GroupID) []*MemoryLedger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*MemoryLedger
	for _, l := range m.ledgers {
		if l.group == group {
			out = append(out, l)
		}
	}
	return out
}

// ChangeMembership replaces leaving[i] with joining[i] and notifies every
// ledger view of the group.
func (m *MemoryChain) ChangeMembership(group interfaces.GroupID, leaving, joining []interfaces.NodeID) (interfaces.MembershipChange, error) {
	if len(leaving) != len(joining) {
		return interfaces.MembershipChange{}, interfaces.ErrCardinalityMismatch
	}

	m.mu.Lock()
	g, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return interfaces.MembershipChange{}, fmt.Errorf("%w: group %s", interfaces.ErrNotFound, group)
	}
	prev := append([]interfaces.NodeID(nil), g.members...)
	for i, leaver := range leaving {
		found := false
		for slot, member := range g.members {
			if member == leaver {
				g.members[slot] = joining[i]
				found = true
				break
			}
		}
		if !found {
			g.members = prev
			m.mu.Unlock()
			return interfaces.MembershipChange{}, fmt.Errorf("%w: %s", interfaces.ErrUnknownOwner, leaver)
		}
	}
	change := interfaces.MembershipChange{
		Group:   group,
		Epoch:   g.epoch,
		Leaving: append([]interfaces.NodeID(nil), leaving...),
		Joining: append([]interfaces.NodeID(nil), joining...),
		Members: append([]interfaces.NodeID(nil), g.members...),
	}
	m.mu.Unlock()

	for _, l := range m.ledgersOf(group) {
		for _, cb := range l.membershipCallbacks() {
			cb(change)
		}
	}
	return change, nil
}

// RequestSigning emits a signing request for slot of group and returns its ID.
func (m *MemoryChain) RequestSigning(group interfaces.GroupID, slot interfaces.SlotIndex, txData []byte) string {
	req := interfaces.SigningRequest{ID: uuid.NewString(), Slot: slot, TxData: txData}

	m.mu.Lock()
	m.signatures[req.ID] = make(map[interfaces.NodeID][]byte)
	m.mu.Unlock()

	for _, l := range m.ledgersOf(group) {
		for _, cb := range l.signingCallbacks() {
			cb(req)
		}
	}
	return req.ID
}

// Signatures returns the signatures submitted for a request, keyed by submitter.
func (m *MemoryChain) Signatures(requestID string) map[interfaces.NodeID][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[interfaces.NodeID][]byte, len(m.signatures[requestID]))
	for k, v := range m.signatures[requestID] {
		out[k] = v
	}
	return out
}

// Commitments returns the commitments published for epoch of group.
func (m *MemoryChain) Commitments(group interfaces.GroupID, epoch interfaces.Epoch) map[interfaces.NodeID][32]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[interfaces.NodeID][32]byte)
	if g, ok := m.groups[group]; ok {
		for k, v := range g.commitments[epoch] {
			out[k] = v
		}
	}
	return out
}

// MemoryLedger is one node's view of a MemoryChain. It implements interfaces.Ledger.
type MemoryLedger struct {
	chain *MemoryChain
	group interfaces.GroupID
	self  interfaces.NodeID

	mu            sync.Mutex
	membershipCbs []func(interfaces.MembershipChange)
	signingCbs    []func(interfaces.SigningRequest)
}

func (l *MemoryLedger) groupState() (*memoryGroup, error) {
	g, ok := l.chain.groups[l.group]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", interfaces.ErrNotFound, l.group)
	}
	return g, nil
}

func (l *MemoryLedger) GetMembers(ctx context.Context) ([]interfaces.NodeID, error) {
	l.chain.mu.RLock()
	defer l.chain.mu.RUnlock()
	g, err := l.groupState()
	if err != nil {
		return nil, err
	}
	return append([]interfaces.NodeID(nil), g.members...), nil
}

func (l *MemoryLedger) GetEpoch(ctx context.Context) (interfaces.Epoch, error) {
	l.chain.mu.RLock()
	defer l.chain.mu.RUnlock()
	g, err := l.groupState()
	if err != nil {
		return 0, err
	}
	return g.epoch, nil
}

func (l *MemoryLedger) GetGroups(ctx context.Context) ([]interfaces.Group, error) {
	l.chain.mu.RLock()
	defer l.chain.mu.RUnlock()
	groups := make([]interfaces.Group, 0, len(l.chain.groups))
	for id, g := range l.chain.groups {
		groups = append(groups, interfaces.Group{
			ID:            id,
			Members:       append([]interfaces.NodeID(nil), g.members...),
			ActiveMembers: g.active,
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (l *MemoryLedger) OnMembershipChanged(cb func(interfaces.MembershipChange)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.membershipCbs = append(l.membershipCbs, cb)
}

func (l *MemoryLedger) OnSigningRequested(cb func(interfaces.SigningRequest)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signingCbs = append(l.signingCbs, cb)
}

func (l *MemoryLedger) membershipCallbacks() []func(interfaces.MembershipChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.membershipCbs)
}

func (l *MemoryLedger) signingCallbacks() []func(interfaces.SigningRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.signingCbs)
}

// PublishShareCommitment records the node's commitment. Only current members may commit.
func (l *MemoryLedger) PublishShareCommitment(ctx context.Context, hash [32]byte, epoch interfaces.Epoch) error {
	l.chain.mu.Lock()
	defer l.chain.mu.Unlock()
	g, err := l.groupState()
	if err != nil {
		return err
	}
	member := false
	for _, m := range g.members {
		if m == l.self {
			member = true
			break
		}
	}
	if !member {
		return fmt.Errorf("%w: %s is not a member of %s", interfaces.ErrUnauthorizedPeer, l.self, l.group)
	}
	if g.commitments[epoch] == nil {
		g.commitments[epoch] = make(map[interfaces.NodeID][32]byte)
	}
	g.commitments[epoch][l.self] = hash
	return nil
}

func (l *MemoryLedger) CommitmentStatus(ctx context.Context, epoch interfaces.Epoch) (bool, int, error) {
	l.chain.mu.RLock()
	defer l.chain.mu.RUnlock()
	g, err := l.groupState()
	if err != nil {
		return false, 0, err
	}
	submitted := 0
	for _, m := range g.members {
		if _, ok := g.commitments[epoch][m]; ok {
			submitted++
		}
	}
	return submitted == len(g.members), submitted, nil
}

// AdvanceEpoch is idempotent: every member of the group calls it after a refresh.
func (l *MemoryLedger) AdvanceEpoch(ctx context.Context, epoch interfaces.Epoch) error {
	l.chain.mu.Lock()
	defer l.chain.mu.Unlock()
	g, err := l.groupState()
	if err != nil {
		return err
	}
	if epoch < g.epoch {
		return fmt.Errorf("%w: epoch %d is behind %d", interfaces.ErrInconsistentShareSet, epoch, g.epoch)
	}
	g.epoch = epoch
	return nil
}

// RecordBackupAssignment replaces any previous assignment with the same index and target.
func (l *MemoryLedger) RecordBackupAssignment(ctx context.Context, a interfaces.BackupAssignment) error {
	l.chain.mu.Lock()
	defer l.chain.mu.Unlock()
	g, ok := l.chain.groups[a.SourceGroup]
	if !ok {
		return fmt.Errorf("%w: group %s", interfaces.ErrNotFound, a.SourceGroup)
	}
	for i, existing := range g.assignments {
		if existing.BackupIndex == a.BackupIndex && existing.Holder == a.Holder {
			g.assignments[i] = a
			return nil
		}
	}
	g.assignments = append(g.assignments, a)
	return nil
}

func (l *MemoryLedger) GetBackupAssignments(ctx context.Context, group interfaces.GroupID) ([]interfaces.BackupAssignment, error) {
	l.chain.mu.RLock()
	defer l.chain.mu.RUnlock()
	g, ok := l.chain.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", interfaces.ErrNotFound, group)
	}
	return append([]interfaces.BackupAssignment(nil), g.assignments...), nil
}

func (l *MemoryLedger) SubmitSignature(ctx context.Context, requestID string, signature []byte) error {
	l.chain.mu.Lock()
	defer l.chain.mu.Unlock()
	sigs, ok := l.chain.signatures[requestID]
	if !ok {
		return fmt.Errorf("%w: signing request %s", interfaces.ErrNotFound, requestID)
	}
	sigs[l.self] = append([]byte(nil), signature...)
	return nil
}
