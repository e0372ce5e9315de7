// Package cryptoutils provides the node-level cryptography of the custody engine:
// encrypting share material for a specific peer, authenticating transport
// envelopes, and deriving the key that seals a node's local records.
//
// # Share Encryption
//
// Share material is encrypted with ECIES over NIST P-256:
//
//   - ECDH between a fresh ephemeral key and the recipient's transport key
//   - HKDF-SHA256 over the shared secret, salted with both public keys
//   - AES-256-GCM with the recipient's node ID as additional data
//
// The encrypted data follows this binary format:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// ECIESEncryptor implements interfaces.Encryptor on top of a Keyring that
// maps node IDs to transport public keys.
//
// # Envelope Authentication
//
// Nodes are identified by the address of their secp256k1 ledger account.
// SignEnvelope attaches a recoverable signature over the Keccak-256 hash of the
// envelope, and VerifyEnvelope recovers the signer and compares it with the
// envelope's sender.
//
// # Sealing Keys
//
// DeriveSealingKey turns a node's identity secret into the AES key used by
// storage.SealedStore.
package cryptoutils
