// Package proxy implements the provider-agnostic request pipeline: ingress
// middleware, the per-request adapter state machine, header filtering, and
// error mapping to the OpenAI wire shape.
package proxy

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"ccproxy-hq/ccproxy/pkg/auth"
	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/models"
)

// apiError is the client-visible error: OpenAI envelope, optional code and
// param.
type apiError struct {
	Status  int
	Type    string
	Message string
	Code    string
	Param   string
}

// WriteError writes the error envelope. Anthropic-native routes get their
// shape from the reverse format chain instead; this is the terminal
// fallback shape.
func WriteError(w http.ResponseWriter, e apiError) {
	inner := map[string]any{
		"message": e.Message,
		"type":    e.Type,
	}
	if e.Code != "" {
		inner["code"] = e.Code
	}
	if e.Param != "" {
		inner["param"] = e.Param
	}
	body, _ := json.Marshal(map[string]any{"error": inner})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	w.Write(body)
}

func writeBadRequest(w http.ResponseWriter, message, code string) {
	WriteError(w, apiError{
		Status:  http.StatusBadRequest,
		Type:    "invalid_request_error",
		Message: message,
		Code:    code,
	})
}

// MapError classifies a pipeline failure per the error design: auth errors
// to 401, forward adapter errors to 400, reverse adapter and transport
// errors to 502, registry misses to 502, everything else to 500.
func MapError(err error) apiError {
	var reauth *auth.ReauthRequiredError
	if errors.As(err, &reauth) || errors.Is(err, auth.ErrNoCredentials) {
		return apiError{
			Status:  http.StatusUnauthorized,
			Type:    "authentication_error",
			Message: err.Error(),
		}
	}

	var refresh *auth.RefreshError
	if errors.As(err, &refresh) {
		return apiError{
			Status:  http.StatusUnauthorized,
			Type:    "authentication_error",
			Message: refresh.Error(),
		}
	}

	var conv *formats.ConversionError
	if errors.As(err, &conv) {
		if conv.Stage == "request" {
			return apiError{
				Status:  http.StatusBadRequest,
				Type:    "invalid_request_error",
				Message: conv.Error(),
			}
		}
		return apiError{
			Status:  http.StatusBadGateway,
			Type:    "server_error",
			Message: conv.Error(),
		}
	}

	var missing *formats.AdapterMissingError
	if errors.As(err, &missing) {
		return apiError{
			Status:  http.StatusBadGateway,
			Type:    "server_error",
			Message: missing.Error(),
		}
	}

	var unknown *models.UnknownModelError
	if errors.As(err, &unknown) {
		return apiError{
			Status:  http.StatusBadRequest,
			Type:    "invalid_request_error",
			Message: unknown.Error(),
			Code:    "model_not_found",
		}
	}

	var transport *UpstreamTransportError
	if errors.As(err, &transport) {
		return apiError{
			Status:  http.StatusBadGateway,
			Type:    "server_error",
			Message: transport.Error(),
		}
	}

	return apiError{
		Status:  http.StatusInternalServerError,
		Type:    "server_error",
		Message: err.Error(),
	}
}

// UpstreamTransportError wraps network-level upstream failures.
type UpstreamTransportError struct {
	Provider string
	Cause    error
}

func (e *UpstreamTransportError) Error() string {
	return "upstream request to " + e.Provider + " failed: " + e.Cause.Error()
}

func (e *UpstreamTransportError) Unwrap() error { return e.Cause }
