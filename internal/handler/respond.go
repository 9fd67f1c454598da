// internal/handler/respond.go
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	appErrors "github.com/unclebandit/groupcast/internal/errors"
)

type errorBody struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, appErrors.ErrInvalidContent):
		return http.StatusBadRequest
	case errors.Is(err, appErrors.ErrAccountNotFound),
		errors.Is(err, appErrors.ErrCampaignNotFound),
		errors.Is(err, appErrors.ErrNoCampaign):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrAlreadyActive),
		errors.Is(err, appErrors.ErrAlreadyLinking),
		errors.Is(err, appErrors.ErrCampaignNotPaused),
		errors.Is(err, appErrors.ErrCampaignNotActive):
		return http.StatusConflict
	case errors.Is(err, appErrors.ErrAccountNotConnected):
		return http.StatusPreconditionFailed
	case errors.Is(err, appErrors.ErrNoTargets):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("❌ Failed to encode response", "error", err)
	}
}

// WriteError writes err as a JSON body. Unmapped errors are logged and
// reported without detail.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}
	var ice *appErrors.InvalidContentError
	if errors.As(err, &ice) {
		body.Fields = ice.Fields
	}
	if status == http.StatusInternalServerError {
		log.Error("❌ Request failed", "error", err)
		body.Error = "internal error"
	}
	WriteJSON(w, status, body)
}

// DecodeJSON reads a JSON request body into v. An empty body leaves v untouched.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return appErrors.NewInvalidContent("invalid request body: " + err.Error())
	}
	return nil
}
