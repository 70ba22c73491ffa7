package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/camden-git/radsync/services"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	resp := APIErrorResponse{
		Errors: []APIErrorDetail{
			{
				Code:   code,
				Status: strconv.Itoa(httpStatus),
				Detail: detail,
			},
		},
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// StatusForError maps a pipeline error onto an HTTP status.
func StatusForError(err error) int {
	if errors.Is(err, services.ErrInvalidViewerToken) {
		return http.StatusUnauthorized
	}
	se, ok := services.AsSyncError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch se.Kind {
	case services.KindValidation:
		if se.Code == services.CodeOrderNotFound {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case services.KindIntegrity:
		return http.StatusUnprocessableEntity
	case services.KindPrecondition, services.KindConflict:
		return http.StatusConflict
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindInfrastructure:
		switch se.Code {
		case services.CodeStorageError:
			return http.StatusBadGateway
		case services.CodeTransferInterrupted:
			// the client went away; the status is mostly for logs
			return http.StatusRequestTimeout
		}
	}
	return http.StatusInternalServerError
}

// writeServiceError renders err through WriteAPIError. Internal details of
// unclassified errors are logged, not returned.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := StatusForError(err)
	if errors.Is(err, services.ErrInvalidViewerToken) {
		WriteAPIError(w, status, "INVALID_TOKEN", "viewer token is invalid or expired")
		return
	}
	se, ok := services.AsSyncError(err)
	if !ok || se.Kind == services.KindInfrastructure {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	if !ok {
		WriteAPIError(w, status, services.CodeInternal, "internal server error")
		return
	}
	detail := se.Message
	if se.Kind == services.KindInfrastructure && se.Code == services.CodeInternal {
		detail = "internal server error"
	}
	WriteAPIError(w, status, se.Code, detail)
}
