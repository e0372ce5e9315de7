// Package registry provides ledger clients for the custody engine.
//
// The ledger is the shared source of truth for group membership, share
// epochs, share commitments, backup placements and signing requests. Three
// implementations of interfaces.Ledger are provided:
//
//   - OnchainLedger talks to the custody registry contract through a
//     go-ethereum bound contract. Reads are contract calls and writes are
//     transactions signed with the node's transact options. Membership changes
//     and signing requests are discovered by polling (Watch).
//   - MemoryChain and its per-node MemoryLedger views keep the same state in
//     memory, for local clusters and end-to-end tests.
//   - MockLedger is a testify mock.
//
// On-chain, groups are keyed by bytes32 (see GroupKey) and nodes by the
// address of their ledger account, which is also their node ID.
package registry
