// Package common holds process-wide helpers shared by the custody node binaries.
package common

var (
	// Version is set at build time with -ldflags "-X ...common.Version=...".
	Version = "dev"

	PackageName = "github.com/ruteri/threshold-key-custody"

	// MetricsNamespace prefixes every exported Prometheus metric.
	MetricsNamespace = "custody"
)
