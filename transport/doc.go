// Package transport delivers envelopes between custody nodes.
//
// HTTPTransport posts JSON envelopes to a peer's /api/v1/transport endpoint
// and serves the same endpoint for inbound traffic. When a signing key is
// configured, every envelope and reply carries a recoverable signature that
// binds it to the sender's node ID. Peer addresses come from a Resolver:
// a StaticResolver table from configuration, or a DNSResolver that looks up
// SRV records.
//
// MemoryNetwork connects in-process endpoints and lets tests take nodes down.
package transport
