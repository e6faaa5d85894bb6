package contracts

import "time"

// RecordKind names a CRM entity created by a step or an action.
type RecordKind string

const (
	RecordActivity RecordKind = "activity"
	RecordTicket   RecordKind = "ticket"
	RecordTask     RecordKind = "task"
	RecordDeal     RecordKind = "deal"
	RecordBooking  RecordKind = "booking"
	RecordMessage  RecordKind = "message"
)

// Record is a generic CRM entity; Attributes carry kind-specific data.
type Record struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Kind         RecordKind     `json:"kind"`
	SubmissionID string         `json:"submission_id,omitempty"`
	ContactID    string         `json:"contact_id,omitempty"`
	Title        string         `json:"title"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Ref renders the entity reference stored in step logs.
func (r *Record) Ref() string {
	return string(r.Kind) + ":" + r.ID
}
