package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ruteri/threshold-key-custody/api"
	"github.com/ruteri/threshold-key-custody/common"
	"github.com/ruteri/threshold-key-custody/coordinator"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// maxBodySize is the maximum accepted request body size (1MB).
const maxBodySize = 1024 * 1024

// Node is the part of coordinator.Node the API exposes.
type Node interface {
	Status() coordinator.Status
	Recover(ctx context.Context) (*coordinator.RecoveryReport, error)
}

// Handler serves the node API.
type Handler struct {
	node Node
	log  *slog.Logger
}

func NewHandler(node Node, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{node: node, log: log}
}

// Healthy reports whether the node is initialized and has not force-cleared
// secrets held past their ceiling.
func (h *Handler) Healthy() bool {
	st := h.node.Status()
	return !st.UpdatedAt.IsZero() && !st.Invariant.Violation
}

// HandleStatus serves GET /api/v1/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.StatusResponse{
		Version: common.Version,
		Ready:   h.Healthy(),
		Node:    h.node.Status(),
	})
}

// HandleRecover serves POST /api/v1/recover. Recovery runs within the
// request; the caller is expected to allow for the full refresh round.
func (h *Handler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	report, err := h.node.Recover(r.Context())
	if err != nil {
		h.log.Error("Recovery request failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, api.RecoverResponse{
		Slots:    report.Slots,
		NewEpoch: report.NewEpoch,
		Members:  report.Members,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrRefreshInProgress):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrCatastrophicRecoveryFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, api.ErrorResponse{Error: err.Error()})
}
