// Package api holds what the proxy and agent HTTP APIs share.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/data"
	"github.com/abeja-inc/table-splitter/pkg/dispatch"
	"github.com/abeja-inc/table-splitter/pkg/logging"
	"github.com/abeja-inc/table-splitter/pkg/osrm"

	"github.com/rs/xid"
)

const RequestIDHeader = "X-Request-Id"

type ErrorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code,omitempty"`
	FailedBins []string `json:"failedBins,omitempty"`
}

// StatusResponse is the body of GET /.
type StatusResponse struct {
	Status   string    `json:"status"`
	Role     string    `json:"role"`
	LaunchAt time.Time `json:"launchAt"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteMessage writes an error body carrying only msg.
func WriteMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteError maps err onto a status code and error body.
func WriteError(w http.ResponseWriter, err error) {
	body := ErrorResponse{Error: err.Error()}

	var sq *dispatch.SubQueryError
	var se *osrm.Error
	switch {
	case errors.As(err, &sq):
		body.Code = "SubQueryFailure"
		for _, r := range sq.Failed {
			body.FailedBins = append(body.FailedBins, r.Bin.String())
		}
	case errors.As(err, &se):
		body.Error = se.Message
		body.Code = se.Code
	}
	WriteJSON(w, StatusOf(err), body)
}

// StatusOf returns the HTTP status for an error of the table pipeline.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, data.ErrInvalidRequest), errors.Is(err, data.ErrPartitionUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, data.ErrMergeInconsistency):
		return http.StatusInternalServerError
	case errors.Is(err, data.ErrSubQueryFailure):
		return http.StatusBadGateway
	case errors.Is(err, osrm.ErrNoBackend):
		return http.StatusServiceUnavailable
	case errors.Is(err, osrm.ErrService):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

type requestIDKey struct{}

// RequestID returns the id WithRequestID stored in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID tags every request with a fresh xid, exposed in the
// X-Request-Id response header, and logs it.
func WithRequestID(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()
		w.Header().Set(RequestIDHeader, id)
		logger.DebugContext(r.Context(), "request", "remote", r.RemoteAddr, "method", r.Method, "url", r.URL.String(), "request_id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}
