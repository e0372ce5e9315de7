package registry

import (
	"context"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockLedger mocks the interfaces.Ledger interface
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) GetMembers(ctx context.Context) ([]interfaces.NodeID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.NodeID), args.Error(1)
}

func (m *MockLedger) GetEpoch(ctx context.Context) (interfaces.Epoch, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.Epoch), args.Error(1)
}

func (m *MockLedger) GetGroups(ctx context.Context) ([]interfaces.Group, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.Group), args.Error(1)
}

func (m *MockLedger) OnMembershipChanged(cb func(interfaces.MembershipChange)) {
	m.Called(cb)
}

func (m *MockLedger) OnSigningRequested(cb func(interfaces.SigningRequest)) {
	m.Called(cb)
}

func (m *MockLedger) PublishShareCommitment(ctx context.Context, hash [32]byte, epoch interfaces.Epoch) error {
	args := m.Called(ctx, hash, epoch)
	return args.Error(0)
}

func (m *MockLedger) CommitmentStatus(ctx context.Context, epoch interfaces.Epoch) (bool, int, error) {
	args := m.Called(ctx, epoch)
	return args.Bool(0), args.Int(1), args.Error(2)
}

func (m *MockLedger) AdvanceEpoch(ctx context.Context, epoch interfaces.Epoch) error {
	args := m.Called(ctx, epoch)
	return args.Error(0)
}

func (m *MockLedger) RecordBackupAssignment(ctx context.Context, assignment interfaces.BackupAssignment) error {
	args := m.Called(ctx, assignment)
	return args.Error(0)
}

func (m *MockLedger) GetBackupAssignments(ctx context.Context, group interfaces.GroupID) ([]interfaces.BackupAssignment, error) {
	args := m.Called(ctx, group)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.BackupAssignment), args.Error(1)
}

func (m *MockLedger) SubmitSignature(ctx context.Context, requestID string, signature []byte) error {
	args := m.Called(ctx, requestID, signature)
	return args.Error(0)
}

var (
	_ interfaces.Ledger = (*MockLedger)(nil)
	_ interfaces.Ledger = (*MemoryLedger)(nil)
	_ interfaces.Ledger = (*OnchainLedger)(nil)
)
