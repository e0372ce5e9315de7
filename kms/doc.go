// Package kms implements the secret-sharing primitives of the custody engine.
//
// Every other component builds on these functions:
//
// # Splitting and combining
//
// Split divides a slot secret into N shares with threshold K using
// github.com/hashicorp/vault/shamir. Combine reconstructs a secret from K or
// more shares and refuses share sets that mix slots, epochs or parameters, or
// that repeat an index or evaluation point:
//
//	shares, err := kms.Split(secret, interfaces.ShareParams{Slot: 3, Epoch: 7, Threshold: 6, Total: 11})
//	...
//	secret, err := kms.Combine(shares[:6])
//	defer secret.Destroy()
//
// Combining fewer than K shares fails with interfaces.ErrInsufficientShares
// instead of returning a plausible-looking wrong secret. With more than K
// shares two different K-subsets are combined and compared.
//
// # Extending a sharing
//
// Extend issues additional shares of an existing sharing once the secret is
// known again, without invalidating surviving shares. Catastrophic recovery
// uses it to push a group back over its threshold from backup fragments.
//
// # Secret lifetime
//
// Reconstructed material lives in a Secret: a locked, zeroizing buffer that
// must be destroyed on every exit path of the scope that created it.
//
//   - Secrets are never persisted or logged
//   - Destroy overwrites the buffer and is idempotent
//   - Memory is mlocked where the platform allows it
//
// # Genesis and commitments
//
// Genesis creates the epoch-0 share bundles of a new group. ShareCommitment
// hashes a node's shares for publication on the ledger.
package kms
