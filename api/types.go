package api

import (
	"github.com/ruteri/threshold-key-custody/coordinator"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

const (
	StatusPath  = "/api/v1/status"
	RecoverPath = "/api/v1/recover"

	AdminIDHeader        = "X-Admin-ID"
	AdminSignatureHeader = "X-Admin-Signature"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Version string             `json:"version"`
	Ready   bool               `json:"ready"`
	Node    coordinator.Status `json:"node"`
}

// RecoverResponse is returned by POST /api/v1/recover.
type RecoverResponse struct {
	Slots    int              `json:"slots"`
	NewEpoch interfaces.Epoch `json:"new_epoch"`
	Members  int              `json:"members"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
