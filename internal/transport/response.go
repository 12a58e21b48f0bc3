// Package transport contains the HTTP router, middleware chain and request
// handlers of the orchestration API.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pitabwire/stepflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:              http.StatusBadRequest,
	model.ErrUnauthenticated:         http.StatusUnauthorized,
	model.ErrUnauthorized:            http.StatusForbidden,
	model.ErrNotFound:                http.StatusNotFound,
	model.ErrValidationError:         http.StatusUnprocessableEntity,
	model.ErrInvalidStateTransition:  http.StatusConflict,
	model.ErrDuplicateActiveInstance: http.StatusConflict,
	model.ErrDuplicateActiveTask:     http.StatusConflict,
	model.ErrConcurrentModification:  http.StatusConflict,
	model.ErrIdempotencyConflict:     http.StatusConflict,
	model.ErrInternalError:           http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as {"error": envelope}. Errors that carry no envelope
// become a generic 500 so internal detail never reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusForError(ee), errorResponse{Error: ee})
}

// StatusForError returns the HTTP status for an error.
func StatusForError(err error) int {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status := statusForCode[ee.Code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON request body into dst. Unknown fields are
// rejected.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewFieldValidationError(key, "INVALID_INTEGER", key+" must be an integer")
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
