package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/protocol"
)

// writeError maps an application error onto the wire: one JSON shape,
// one status-code mapping, everywhere.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	payload := protocol.ErrorPayload{
		Error:         err.Error(),
		Code:          string(apperr.CodeOf(err)),
		CorrelationID: apperr.CorrelationOf(err),
	}
	var e *apperr.E
	if apperr.As(err, &e) {
		payload.Error = e.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses and validates a request body into v. Validation
// failures come back as field-tagged validation errors.
func (s *Server) decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	if err := s.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperr.Validation(fe.Namespace(), fmt.Sprintf("failed %q constraint", fe.Tag()))
		}
		return apperr.Internal(err)
	}
	return nil
}
