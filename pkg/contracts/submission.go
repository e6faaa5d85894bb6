package contracts

import "time"

// SubmissionStatus is the lifecycle state of a submission.
type SubmissionStatus string

const (
	StatusReceived         SubmissionStatus = "received"
	StatusProcessing       SubmissionStatus = "processing"
	StatusPending          SubmissionStatus = "pending" // draft awaiting human decision
	StatusProcessed        SubmissionStatus = "processed"
	StatusNeedsHumanReview SubmissionStatus = "needs_human_review"
	StatusFailed           SubmissionStatus = "failed"
	StatusArchived         SubmissionStatus = "archived"
)

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusPending, StatusProcessed,
		StatusNeedsHumanReview, StatusFailed, StatusArchived:
		return true
	}
	return false
}

// Terminal reports whether no further pipeline work is expected.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case StatusProcessed, StatusNeedsHumanReview, StatusFailed, StatusArchived:
		return true
	}
	return false
}

// CampaignTags carries UTM attribution.
type CampaignTags struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Term     string `json:"utm_term,omitempty"`
	Content  string `json:"utm_content,omitempty"`
}

// ClientMeta is the request metadata captured at intake.
type ClientMeta struct {
	IP        string       `json:"ip"`
	UserAgent string       `json:"user_agent,omitempty"`
	Referrer  string       `json:"referrer,omitempty"`
	Origin    string       `json:"origin,omitempty"`
	Campaign  CampaignTags `json:"campaign"`
	VariantID string       `json:"variant_id,omitempty"`
}

// FieldTelemetry is per-field interaction data reported by the form widget.
type FieldTelemetry struct {
	FocusMillis int64 `json:"focus_ms"`
	Edits       int   `json:"edits"`
	Pasted      bool  `json:"pasted,omitempty"`
}

// StepOutcome is the result of one pipeline step.
type StepOutcome string

const (
	StepOK      StepOutcome = "ok"
	StepFailed  StepOutcome = "failed"
	StepSkipped StepOutcome = "skipped"
)

// StepEntry is one immutable step-log line.
type StepEntry struct {
	Step      string      `json:"step"`
	Outcome   StepOutcome `json:"outcome"`
	At        time.Time   `json:"at"`
	EntityRef string      `json:"entity_ref,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// HandlerRef identifies a handler (member of a group or a fallback).
type HandlerRef struct {
	ID      string      `json:"id" yaml:"id"`
	Name    string      `json:"name,omitempty" yaml:"name,omitempty"`
	Kind    HandlerKind `json:"kind" yaml:"kind"`
	Address string      `json:"address,omitempty" yaml:"address,omitempty"`
}

// Submission is one inbound record owned by the pipeline.
type Submission struct {
	ID                  string                    `json:"id"`
	TenantID            string                    `json:"tenant_id"`
	FormID              string                    `json:"form_id"`
	Fields              FieldValues               `json:"fields"`
	Meta                ClientMeta                `json:"meta"`
	Telemetry           map[string]FieldTelemetry `json:"telemetry,omitempty"`
	ContactID           string                    `json:"contact_id,omitempty"`
	CompanyID           string                    `json:"company_id,omitempty"`
	Status              SubmissionStatus          `json:"status"`
	Steps               []StepEntry               `json:"steps"`
	Errors              []ErrorRecord             `json:"errors,omitempty"`
	AgentSummary        string                    `json:"agent_summary,omitempty"`
	Handlers            []HandlerRef              `json:"handlers,omitempty"`
	ReviewBy            *time.Time                `json:"review_by,omitempty"`
	ReceivedAt          time.Time                 `json:"received_at"`
	ProcessingStartedAt *time.Time                `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time                `json:"processed_at,omitempty"`
}

// Email returns the value of the first email-mapped field of form, normalized by the caller.
func (s *Submission) Email(form *Form) string {
	for _, spec := range form.Fields {
		if spec.Mapping() == MapEmail {
			if v := s.Fields.String(spec.Name); v != "" {
				return v
			}
		}
	}
	return ""
}

// ErrorType classifies a failed attempt.
type ErrorType string

const (
	ErrorDecisionTimeout     ErrorType = "decision_timeout"
	ErrorDecisionUnavailable ErrorType = "decision_unavailable"
	ErrorDecisionUnparsable  ErrorType = "decision_unparsable"
	ErrorActionFailed        ErrorType = "action_failed"
	ErrorStaleWork           ErrorType = "stale_work"
)

// Resolution is what the recovery policy did about a failure.
type Resolution string

const (
	ResolutionRetry        Resolution = "retry"
	ResolutionEscalated    Resolution = "escalated"
	ResolutionContinued    Resolution = "continued"
	ResolutionMarkedFailed Resolution = "marked_failed"
)

// ErrorRecord is one entry per failed attempt. Append-only per submission.
type ErrorRecord struct {
	ID           string     `json:"id"`
	SubmissionID string     `json:"submission_id"`
	Type         ErrorType  `json:"type"`
	Attempt      int        `json:"attempt"`
	Resolution   Resolution `json:"resolution"`
	Resolved     bool       `json:"resolved"`
	Message      string     `json:"message,omitempty"`
	At           time.Time  `json:"at"`
}

// AbuseReason names the screening rule that rejected a submission.
type AbuseReason string

const (
	AbuseHoneypot       AbuseReason = "honeypot"
	AbuseIPRateLimit    AbuseReason = "ip_rate_limit"
	AbuseEmailRateLimit AbuseReason = "email_rate_limit"
	AbuseDuplicate      AbuseReason = "duplicate"
)

// AbuseRecord is one abuse-log entry.
type AbuseRecord struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenant_id"`
	FormID   string      `json:"form_id"`
	Reason   AbuseReason `json:"reason"`
	IP       string      `json:"ip"`
	Email    string      `json:"email,omitempty"`
	At       time.Time   `json:"at"`
}
