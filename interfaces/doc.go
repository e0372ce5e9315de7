// Package interfaces defines the contracts between the custody engine and the
// systems it depends on, separating interface definitions from implementations.
//
// # Core Types
//
//   - Share: one fragment of a slot secret, tagged with slot, index, threshold,
//     total and epoch
//   - BackupFragment and FragmentBundle: shares of the secondary backup split
//   - MembershipChange, SigningRequest: ledger notifications
//   - SessionRecord: the observable part of a reconstruction window
//
// # Collaborators
//
// Ledger: membership lists, epochs, share commitments and backup assignments.
// The engine consumes membership and signing notifications and publishes
// commitments back.
//
// Signer: the coin-specific signing backend, called once per signing session.
//
// Transport: best-effort point-to-point delivery of Envelopes.
//
// Encryptor: per-recipient encryption of share material. A missing recipient
// key is a hard error.
//
// StorageBackend: keyed storage for sealed share backups and held fragments.
//
// # Errors
//
// The error taxonomy is a set of sentinel values. Callers match them with
// errors.Is; producers wrap them with fmt.Errorf and %w.
package interfaces
