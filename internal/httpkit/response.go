package httpkit

import (
	"encoding/json"
	"net/http"

	"broll/internal/pkg/errors"
)

// MaxBodyBytes bounds request bodies; job inputs are small JSON documents.
const MaxBodyBytes = 1 << 20

// DecodeJSON decodes a single JSON value from the request body, rejecting
// unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "http.decode", "invalid request body")
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
