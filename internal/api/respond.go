package api

import (
	"encoding/json"
	"net/http"

	"github.com/orbiteos/joule/internal/errors"
)

// errorBody is the wire form of a failed request.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int32  `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Status and headers are already out; nothing left but to log.
		log.Debug("encode response", "error", err)
	}
}

// writeError maps err onto the error taxonomy and writes the standard
// envelope. The HTTP status derives from the mapped code.
func writeError(w http.ResponseWriter, err error) {
	code := errors.ErrorToCode(err)
	writeJSON(w, errors.HTTPStatus(code), errorBody{
		Error: errorDetail{
			Code:    code,
			Name:    errors.CodeName(code),
			Message: err.Error(),
		},
	})
}
