package contracts

import (
	"errors"
	"fmt"
	"net/http"
)

// RejectionKind is the typed outcome of a failed intake.
type RejectionKind string

const (
	RejectNotFound    RejectionKind = "not_found"
	RejectForbidden   RejectionKind = "forbidden"
	RejectInvalid     RejectionKind = "invalid"
	RejectRateLimited RejectionKind = "rate_limited"
	RejectDuplicate   RejectionKind = "duplicate"
	RejectHoneypot    RejectionKind = "honeypot"
)

// Status maps a rejection kind to its HTTP-style status code.
func (k RejectionKind) Status() int {
	switch k {
	case RejectNotFound:
		return http.StatusNotFound
	case RejectForbidden:
		return http.StatusForbidden
	case RejectInvalid, RejectDuplicate:
		return http.StatusUnprocessableEntity
	case RejectRateLimited:
		return http.StatusTooManyRequests
	case RejectHoneypot:
		return http.StatusOK
	}
	return http.StatusBadRequest
}

// Acceptance acknowledges an accepted submission.
type Acceptance struct {
	SubmissionID string `json:"submission_id"`
	Message      string `json:"message,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
}

// Rejection is returned by the intake gate. Honeypot rejections carry a
// Disguise the caller must render exactly like a real acceptance.
type Rejection struct {
	Kind     RejectionKind     `json:"kind"`
	Reason   string            `json:"reason"`
	Fields   map[string]string `json:"fields,omitempty"`
	Disguise *Acceptance       `json:"-"`
}

// Status returns the HTTP-style status code.
func (r *Rejection) Status() int { return r.Kind.Status() }

func (r *Rejection) Error() string {
	if len(r.Fields) > 0 {
		return fmt.Sprintf("%s: %s (%d fields)", r.Kind, r.Reason, len(r.Fields))
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

// AsRejection unwraps err into a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
