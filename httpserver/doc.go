/*
Package httpserver serves the HTTP surface of a custody node.

# Endpoints

  - POST /api/v1/transport - Signed peer envelopes, handled by the node transport
  - GET /api/v1/status - Node status: epoch, owned slot, held shares, refresh state
  - POST /api/v1/recover - Rebuild the group from backups (admin signature required)
  - GET /livez - Liveness check
  - GET /readyz - Readiness check, failing while drained or after a security invariant violation
  - GET /drain - Mark the server as not ready
  - GET /undrain - Mark the server as ready
  - /debug/pprof - Profiling, when enabled

Metrics are served on their own listener by metrics.MetricsServer.

# Admin authentication

Admins are whitelisted by public key (see LoadAdminKeys). A request is
accepted when X-Admin-Signature holds a valid ECDSA signature of
sha256(path || body) by the key registered for X-Admin-ID.
*/
package httpserver
