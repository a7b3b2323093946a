// Package types holds the payloads the API shares with its clients.
package types

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

// Scope names the resource an error is about; it prefixes the error code,
// e.g. DEVICE_404.
type Scope string

const (
	ScopeDevice     Scope = "DEVICE"
	ScopeProtocol   Scope = "PROTOCOL"
	ScopeSimulation Scope = "SIMULATION"
	ScopeExport     Scope = "EXPORT"
)

// Kind mirrors the simulator error taxonomy.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindConfig            Kind = "config"
	KindPortExhaustion    Kind = "port_exhaustion"
	KindBind              Kind = "bind_failed"
	KindRestart           Kind = "restart_failed"
	KindPublish           Kind = "publish_failed"
	KindBadRequest        Kind = "bad_request"
	KindInternal          Kind = "internal"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ExhaustionDetails is attached to port exhaustion errors.
type ExhaustionDetails struct {
	Family    string `json:"family"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// ConfigDetails is attached to configuration errors.
type ConfigDetails struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// NewErrorResponse builds an error payload with an explicit status.
func NewErrorResponse(scope Scope, status int, kind Kind, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    Code(scope, status),
			Kind:    kind,
			Message: message,
			Details: details,
		},
	}
}

func Code(scope Scope, status int) string {
	return fmt.Sprintf("%s_%d", scope, status)
}

// FromError classifies err and returns the HTTP status and payload for it.
func FromError(scope Scope, err error) (int, ErrorResponse) {
	var (
		status  = http.StatusInternalServerError
		kind    = KindInternal
		message = "Internal error"
		details any
	)

	var exhausted *simerr.PortExhaustionError
	var cfgErr *simerr.ConfigError
	switch {
	case simerr.IsNotFound(err):
		status, kind, message = http.StatusNotFound, KindNotFound, "Not found"
	case errors.Is(err, simerr.ErrInvalidTransition):
		status, kind, message = http.StatusConflict, KindInvalidTransition, "Not allowed in the current state"
	case errors.As(err, &exhausted):
		status, kind, message = http.StatusServiceUnavailable, KindPortExhaustion, "Port pool exhausted"
		details = ExhaustionDetails{Family: exhausted.Family, Requested: exhausted.Requested, Available: exhausted.Available}
	case errors.As(err, &cfgErr):
		status, kind, message = http.StatusBadRequest, KindConfig, "Invalid configuration"
		details = ConfigDetails{Field: cfgErr.Field, Reason: cfgErr.Reason}
	case errors.Is(err, simerr.ErrRestart):
		status, kind, message = http.StatusServiceUnavailable, KindRestart, "Device restart failed"
	case errors.Is(err, simerr.ErrBind):
		status, kind, message = http.StatusServiceUnavailable, KindBind, "Listener bind failed"
	case errors.Is(err, simerr.ErrPublish):
		status, kind, message = http.StatusServiceUnavailable, KindPublish, "Publish failed"
	}

	if details == nil {
		details = err.Error()
	}
	return status, NewErrorResponse(scope, status, kind, message, details)
}
