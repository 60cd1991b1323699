package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

const problemTypeBase = "https://llm-key-requestor.dev/errors/"

// ProblemDetail is an RFC 7807 error body. Every error response of the API
// uses it.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := &ProblemDetail{
		Type:    problemTypeBase + strconv.Itoa(status),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get(requestIDHeader),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, detail)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="admin", charset="UTF-8"`)
	writeProblem(w, r, http.StatusUnauthorized, detail)
}

func writeNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusNotFound, detail)
}

func writeTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	writeProblem(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// writeInternal logs err and hides it from the client.
func writeInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
	writeProblem(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
