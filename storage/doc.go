// Package storage provides keyed record storage with pluggable backends.
//
// Backends store opaque records under slash-separated keys:
//
//   - File system storage for single-host deployments and tests
//   - S3-compatible object storage
//   - IPFS mutable file system (MFS) on a trusted node
//   - HashiCorp Vault KV v2
//   - Redis, with native key expiry
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/custody/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://127.0.0.1:5001/custody?timeout=30s
//   - vault://vault.example.com:8200/secret/custody/node-1
//   - redis://:password@127.0.0.1:6379/0?prefix=custody
//
// Several URIs can be combined with StorageBackendFactory.CreateMultiBackend.
// Writes then go to every available backend and reads return the first hit.
//
// # Sealed Records
//
// Backends never see plaintext share material. SealedStore encrypts each
// record with AES-256-GCM and binds it to its key and expiry time. Expired
// records are refused and deleted on access.
//
// ShareBackup builds on SealedStore to persist a node's own shares per epoch:
//
//	sealed, _ := storage.NewSealedStore(backend, key, log)
//	backup, _ := storage.NewShareBackup(sealed, nodeID, storage.DefaultShareBackupTTL, log)
//	_ = backup.Save(ctx, epoch, shares)
//	_, _ = backup.Purge(ctx, epoch)
package storage
