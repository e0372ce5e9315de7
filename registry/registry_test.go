package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContract serves the custody registry ABI from memory and records sent transactions.
type fakeContract struct {
	t   *testing.T
	abi abi.ABI

	mu          sync.Mutex
	groups      [][32]byte
	members     map[[32]byte][]common.Address
	epochs      map[[32]byte]uint64
	committed   map[uint64]int
	assignments []interfaces.BackupAssignment
	pendingIDs  [][32]byte
	pendingSlot []*big.Int
	pendingData [][]byte
	sent        []*types.Transaction
}

func newFakeContract(t *testing.T) *fakeContract {
	parsed, err := ParsedABI()
	require.NoError(t, err)
	return &fakeContract{
		t:         t,
		abi:       parsed,
		members:   make(map[[32]byte][]common.Address),
		epochs:    make(map[[32]byte]uint64),
		committed: make(map[uint64]int),
	}
}

func (f *fakeContract) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x01}, nil
}

func (f *fakeContract) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch method.Name {
	case "getGroups":
		return method.Outputs.Pack(f.groups)
	case "getMembers":
		return method.Outputs.Pack(f.members[args[0].([32]byte)])
	case "activeMembers":
		return method.Outputs.Pack(big.NewInt(int64(len(f.members[args[0].([32]byte)]))))
	case "getEpoch":
		return method.Outputs.Pack(f.epochs[args[0].([32]byte)])
	case "commitmentStatus":
		group := args[0].([32]byte)
		submitted := f.committed[args[1].(uint64)]
		return method.Outputs.Pack(submitted == len(f.members[group]), big.NewInt(int64(submitted)))
	case "getBackupAssignments":
		var (
			targets   [][32]byte
			holders   []common.Address
			indices   []*big.Int
			epochs    []uint64
			delivered []bool
		)
		for _, a := range f.assignments {
			targets = append(targets, GroupKey(a.TargetGroup))
			holders = append(holders, common.HexToAddress(string(a.Holder)))
			indices = append(indices, big.NewInt(int64(a.BackupIndex)))
			epochs = append(epochs, uint64(a.Epoch))
			delivered = append(delivered, a.Delivered)
		}
		return method.Outputs.Pack(targets, holders, indices, epochs, delivered)
	case "pendingSigningRequests":
		return method.Outputs.Pack(f.pendingIDs, f.pendingSlot, f.pendingData)
	}
	return nil, errors.New("unexpected call " + method.Name)
}

func (f *fakeContract) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1)}, nil
}

func (f *fakeContract) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x01}, nil
}

func (f *fakeContract) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeContract) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeContract) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeContract) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (f *fakeContract) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeContract) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeContract) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

// decodeSent returns the method name and arguments of the i-th sent transaction.
func (f *fakeContract) decodeSent(i int) (string, []interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(f.t, len(f.sent), i)
	data := f.sent[i].Data()
	method, err := f.abi.MethodById(data[:4])
	require.NoError(f.t, err)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(f.t, err)
	return method.Name, args
}

func randomAddresses(t *testing.T, n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		out[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testGroup = interfaces.GroupID("0x00000000000000000000000000000000000000000000000000000000000000aa")

func newTestLedger(t *testing.T) (*OnchainLedger, *fakeContract) {
	fake := newFakeContract(t)
	ledger, err := NewOnchainLedger(fake, nil, common.HexToAddress("0x1234"), testGroup, discardLogger())
	require.NoError(t, err)
	return ledger, fake
}

func TestGroupKey(t *testing.T) {
	key := GroupKey(testGroup)
	assert.Equal(t, byte(0xaa), key[31])
	assert.Equal(t, testGroup, GroupIDFromKey(key))

	assert.Equal(t, [32]byte(crypto.Keccak256Hash([]byte("group-a"))), GroupKey("group-a"))
}

func TestOnchainLedger_Reads(t *testing.T) {
	ledger, fake := newTestLedger(t)
	ctx := context.Background()

	addrs := randomAddresses(t, 3)
	other := GroupKey("0x00000000000000000000000000000000000000000000000000000000000000bb")
	fake.groups = [][32]byte{GroupKey(testGroup), other}
	fake.members[GroupKey(testGroup)] = addrs
	fake.members[other] = addrs[:2]
	fake.epochs[GroupKey(testGroup)] = 7

	members, err := ledger.GetMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, interfaces.NodeID(addrs[0].Hex()), members[0])

	epoch, err := ledger.GetEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Epoch(7), epoch)

	groups, err := ledger.GetGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, testGroup, groups[0].ID)
	assert.Equal(t, 3, groups[0].ActiveMembers)
	assert.Equal(t, 2, groups[1].ActiveMembers)

	fake.committed[7] = 3
	complete, submitted, err := ledger.CommitmentStatus(ctx, 7)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 3, submitted)

	fake.assignments = []interfaces.BackupAssignment{{TargetGroup: GroupIDFromKey(other), Holder: interfaces.NodeID(addrs[1].Hex()), BackupIndex: 2, Epoch: 7, Delivered: true}}
	assignments, err := ledger.GetBackupAssignments(ctx, testGroup)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, testGroup, assignments[0].SourceGroup)
	assert.Equal(t, GroupIDFromKey(other), assignments[0].TargetGroup)
	assert.Equal(t, 2, assignments[0].BackupIndex)
	assert.True(t, assignments[0].Delivered)
}

func TestOnchainLedger_Writes(t *testing.T) {
	ledger, fake := newTestLedger(t)
	ctx := context.Background()

	err := ledger.AdvanceEpoch(ctx, 1)
	assert.ErrorIs(t, err, interfaces.ErrNoTransactOpts)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1337))
	require.NoError(t, err)
	ledger.SetTransactOpts(auth)

	hash := [32]byte{0x01, 0x02}
	require.NoError(t, ledger.PublishShareCommitment(ctx, hash, 5))
	name, args := fake.decodeSent(0)
	assert.Equal(t, "publishShareCommitment", name)
	assert.Equal(t, GroupKey(testGroup), args[0])
	assert.Equal(t, uint64(5), args[1])
	assert.Equal(t, hash, args[2])

	require.NoError(t, ledger.AdvanceEpoch(ctx, 6))
	name, args = fake.decodeSent(1)
	assert.Equal(t, "advanceEpoch", name)
	assert.Equal(t, uint64(6), args[1])

	holder := randomAddresses(t, 1)[0]
	require.NoError(t, ledger.RecordBackupAssignment(ctx, interfaces.BackupAssignment{
		SourceGroup: testGroup,
		TargetGroup: "group-b",
		Holder:      interfaces.NodeID(holder.Hex()),
		BackupIndex: 3,
		Epoch:       6,
		Delivered:   true,
	}))
	name, args = fake.decodeSent(2)
	assert.Equal(t, "recordBackupAssignment", name)
	assert.Equal(t, holder, args[2])
	assert.Equal(t, 0, big.NewInt(3).Cmp(args[3].(*big.Int)))

	err = ledger.RecordBackupAssignment(ctx, interfaces.BackupAssignment{Holder: "not-an-address"})
	assert.Error(t, err)

	requestID := common.Hash{0x0f}.Hex()
	require.NoError(t, ledger.SubmitSignature(ctx, requestID, []byte{0xde, 0xad}))
	name, args = fake.decodeSent(3)
	assert.Equal(t, "submitSignature", name)
	assert.Equal(t, [32]byte(common.HexToHash(requestID)), args[0])
	assert.Equal(t, []byte{0xde, 0xad}, args[1])
}

func TestOnchainLedger_Poll(t *testing.T) {
	ledger, fake := newTestLedger(t)
	ctx := context.Background()

	addrs := randomAddresses(t, 4)
	fake.members[GroupKey(testGroup)] = addrs[:3]
	fake.epochs[GroupKey(testGroup)] = 2

	var changes []interfaces.MembershipChange
	var requests []interfaces.SigningRequest
	ledger.OnMembershipChanged(func(c interfaces.MembershipChange) { changes = append(changes, c) })
	ledger.OnSigningRequested(func(r interfaces.SigningRequest) { requests = append(requests, r) })

	require.NoError(t, ledger.Poll(ctx))
	assert.Empty(t, changes, "First poll only records the baseline")

	fake.mu.Lock()
	fake.members[GroupKey(testGroup)] = []common.Address{addrs[0], addrs[3], addrs[2]}
	fake.pendingIDs = [][32]byte{{0x01}}
	fake.pendingSlot = []*big.Int{big.NewInt(1)}
	fake.pendingData = [][]byte{[]byte("tx")}
	fake.mu.Unlock()

	require.NoError(t, ledger.Poll(ctx))
	require.Len(t, changes, 1)
	assert.Equal(t, []interfaces.NodeID{interfaces.NodeID(addrs[1].Hex())}, changes[0].Leaving)
	assert.Equal(t, []interfaces.NodeID{interfaces.NodeID(addrs[3].Hex())}, changes[0].Joining)
	assert.Equal(t, interfaces.Epoch(2), changes[0].Epoch)
	assert.Len(t, changes[0].Members, 3)

	require.Len(t, requests, 1)
	assert.Equal(t, interfaces.SlotIndex(1), requests[0].Slot)
	assert.Equal(t, []byte("tx"), requests[0].TxData)

	require.NoError(t, ledger.Poll(ctx))
	assert.Len(t, changes, 1, "Unchanged membership emits nothing")
	assert.Len(t, requests, 1, "Requests are dispatched once")
}

func TestMemoryChain(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()
	chain.RegisterGroup("group-a", []interfaces.NodeID{"a0", "a1", "a2"})
	chain.RegisterGroup("group-b", []interfaces.NodeID{"b0", "b1"})

	l0 := chain.LedgerFor("group-a", "a0")
	l1 := chain.LedgerFor("group-a", "a1")
	lb := chain.LedgerFor("group-b", "b0")

	var seen []interfaces.MembershipChange
	l0.OnMembershipChanged(func(c interfaces.MembershipChange) { seen = append(seen, c) })
	lb.OnMembershipChanged(func(c interfaces.MembershipChange) { t.Error("other group must not be notified") })

	change, err := chain.ChangeMembership("group-a", []interfaces.NodeID{"a1"}, []interfaces.NodeID{"a3"})
	require.NoError(t, err)
	assert.Equal(t, []interfaces.NodeID{"a0", "a3", "a2"}, change.Members)
	require.Len(t, seen, 1)

	_, err = chain.ChangeMembership("group-a", []interfaces.NodeID{"zz"}, []interfaces.NodeID{"a4"})
	assert.ErrorIs(t, err, interfaces.ErrUnknownOwner)
	members, err := l0.GetMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.NodeID{"a0", "a3", "a2"}, members, "Failed change leaves membership untouched")

	assert.ErrorIs(t, l1.PublishShareCommitment(ctx, [32]byte{1}, 1), interfaces.ErrUnauthorizedPeer, "Departed members cannot commit")

	for _, n := range []interfaces.NodeID{"a0", "a3"} {
		require.NoError(t, chain.LedgerFor("group-a", n).PublishShareCommitment(ctx, [32]byte{1}, 1))
	}
	complete, submitted, err := l0.CommitmentStatus(ctx, 1)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 2, submitted)

	require.NoError(t, chain.LedgerFor("group-a", "a2").PublishShareCommitment(ctx, [32]byte{1}, 1))
	complete, _, err = l0.CommitmentStatus(ctx, 1)
	require.NoError(t, err)
	assert.True(t, complete)

	require.NoError(t, l0.AdvanceEpoch(ctx, 1))
	require.NoError(t, l0.AdvanceEpoch(ctx, 1))
	assert.Error(t, l0.AdvanceEpoch(ctx, 0))

	require.NoError(t, chain.SetActiveMembers("group-b", 1))
	groups, err := l0.GetGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, interfaces.GroupID("group-b"), groups[1].ID)
	assert.Equal(t, 1, groups[1].ActiveMembers)

	var requests []interfaces.SigningRequest
	l0.OnSigningRequested(func(r interfaces.SigningRequest) { requests = append(requests, r) })
	id := chain.RequestSigning("group-a", 0, []byte("tx"))
	require.Len(t, requests, 1)
	require.NoError(t, l0.SubmitSignature(ctx, id, []byte("sig")))
	assert.Equal(t, map[interfaces.NodeID][]byte{"a0": []byte("sig")}, chain.Signatures(id))
	assert.ErrorIs(t, l0.SubmitSignature(ctx, "unknown", nil), interfaces.ErrNotFound)

	assignment := interfaces.BackupAssignment{SourceGroup: "group-a", TargetGroup: "group-b", Holder: "b0", BackupIndex: 1}
	require.NoError(t, l0.RecordBackupAssignment(ctx, assignment))
	assignment.Delivered = true
	require.NoError(t, l0.RecordBackupAssignment(ctx, assignment))
	assignments, err := lb.GetBackupAssignments(ctx, "group-a")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.True(t, assignments[0].Delivered)
}
