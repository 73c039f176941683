package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string             `json:"error"`
	Code      lberrors.ErrorCode `json:"code"`
	Status    int                `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	RequestID string             `json:"request_id,omitempty"`
}

// writeJSON writes v as a JSON body with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse writes a standardized error response. The status and
// code come from the error taxonomy.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error, log *logger.Logger) {
	status := lberrors.GetHTTPStatusCode(err)
	requestID := domain.RequestIDFrom(r.Context())

	response := ErrorResponse{
		Error:     err.Error(),
		Code:      lberrors.GetErrorCode(err),
		Status:    status,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
	writeJSON(w, status, response)

	if log == nil {
		return
	}
	entry := log.WithFields(map[string]interface{}{
		"error":      err.Error(),
		"code":       response.Code,
		"status":     status,
		"request_id": requestID,
		"path":       r.URL.Path,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("API error response")
	} else {
		entry.Debug("API error response")
	}
}
