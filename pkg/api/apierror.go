// Package api is the HTTP surface: the public submission and schema
// endpoints and the operator endpoints behind JWT auth.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request id of this occurrence.
	TraceID string `json:"trace_id,omitempty"`
	// Fields maps field names to validation failures for 422 responses.
	Fields map[string]string `json:"fields,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://helm-intake.dev/errors/%d", p.Status)
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get(requestIDHeader)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, r, &ProblemDetail{Status: status, Detail: detail})
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int, detail string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, detail)
}

// WriteInternal writes a 500 error response.
// err is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

// rejectionRetryAfter is the hint sent with gate rate-limit rejections.
const rejectionRetryAfter = 60

// WriteRejection renders a gate rejection. Honeypot rejections are written
// as an ordinary acceptance.
func WriteRejection(w http.ResponseWriter, r *http.Request, rej *contracts.Rejection) {
	switch rej.Kind {
	case contracts.RejectHoneypot:
		writeJSON(w, http.StatusOK, rej.Disguise)
		return
	case contracts.RejectRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(rejectionRetryAfter))
	}
	writeProblem(w, r, &ProblemDetail{Status: rej.Status(), Detail: rej.Reason, Fields: rej.Fields})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
