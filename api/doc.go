// Package api holds the types shared by the node's HTTP server and its
// clients.
//
// Read-only endpoints are public. Operator actions such as recovery from
// backups are authenticated: the client sends X-Admin-ID and an ASN.1 ECDSA
// P-256 signature over sha256(path || body) in X-Admin-Signature.
package api
