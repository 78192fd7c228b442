package gerrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error the gateway itself produced, as opposed to a
// status relayed from a backend. It renders as a JSON body so API
// clients can tell gateway failures from backend payloads.
type GatewayError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RouteID   string `json:"route_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// WithDetails returns a copy carrying extra diagnostic text.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	clone := *e
	clone.Details = details
	return &clone
}

// WithRoute returns a copy tagged with the route that failed.
func (e *GatewayError) WithRoute(routeID string) *GatewayError {
	clone := *e
	clone.RouteID = routeID
	return &clone
}

// WithRequestID returns a copy tagged with the request id.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	clone := *e
	clone.RequestID = requestID
	return &clone
}

// WriteJSON writes the error as a JSON response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}

// Gateway error taxonomy. Authorization and routing failures resolve
// locally; 5xx values cover the backend failure modes.
var (
	ErrUnauthenticated = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthenticated",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrNoRouteMatch = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "No Route Match",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrBackendUnreachable = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Backend Unreachable",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}
)
