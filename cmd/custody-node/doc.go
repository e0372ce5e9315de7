// Package main (cmd/custody-node) runs a member of a threshold key custody group.
//
// Commands:
//
//	keygen   - Create the node identity key and transport key pair, print the node ID
//	genesis  - Generate the slot keys of a group and seal every member's shares
//	run      - Run a node against the on-chain ledger
//	devnet   - Run every group of a topology in one process on an in-memory ledger
//
// The node ID is the account address of the identity key. The identity key
// signs ledger transactions and peer envelopes; the transport key receives
// shares and backup fragments encrypted to the node.
package main
