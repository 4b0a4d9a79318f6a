package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"virtualworld/internal/apperr"
)

// errorBody is the REST error response shape.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps an error onto the taxonomy's HTTP status and body shape.
// Internal errors get a correlation id; their detail never reaches the
// client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	if e.Kind == apperr.KindInternal {
		corr := e.CorrelationID
		if corr == "" {
			corr = uuid.NewString()
		}
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "correlation_id", corr, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(apperr.KindInternal), Detail: fmt.Sprintf("internal error (ref %s)", corr)})
		return
	}
	writeJSON(w, e.Kind.HTTPStatus(), errorBody{Error: string(e.Kind), Detail: e.Public()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.New(apperr.KindValidation, "malformed request body: %v", err)
	}
	return nil
}
