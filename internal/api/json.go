package api

import (
	"encoding/json"
	"net/http"

	"tourplan/internal/apperr"
)

// Problem represents an RFC7807 problem details response body, extended
// with the error code and whether retrying may succeed.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, code apperr.Code, detail string, details any) {
	meta := apperr.MetadataFor(code)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(meta.HTTPStatus)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:      "about:blank",
		Title:     http.StatusText(meta.HTTPStatus),
		Status:    meta.HTTPStatus,
		Detail:    detail,
		Instance:  r.URL.Path,
		Code:      string(code),
		Retryable: meta.Retryable,
		Details:   details,
	})
}

// writeError renders err as a problem. Internal errors expose only the
// public message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	code := typed.Code()
	meta := apperr.MetadataFor(code)

	detail := meta.PublicMessage
	if m := typed.Message(); m != "" && code != apperr.CodeInternal {
		detail = m
	}
	if meta.HTTPStatus >= http.StatusInternalServerError {
		s.log.Error(r.Context(), "request failed", err)
	}
	writeProblem(w, r, code, detail, typed.Details())
}
