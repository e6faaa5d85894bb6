package contracts

import "time"

// EventType is the closed set of pipeline event tags.
type EventType string

const (
	EventSubmissionReceived EventType = "submission_received"
	EventSpamBlocked        EventType = "spam_blocked"
	EventContactMatched     EventType = "contact_matched"
	EventContactCreated     EventType = "contact_created"
	EventHandlerAssigned    EventType = "handler_assigned"
	EventAgentProcessing    EventType = "agent_processing"
	EventAgentAction        EventType = "agent_action"
	EventAgentActionBlocked EventType = "agent_action_blocked"
	EventAgentDraft         EventType = "agent_draft"
	EventAgentCompleted     EventType = "agent_completed"
	EventAgentError         EventType = "agent_error"
	EventAgentRetry         EventType = "agent_retry"
	EventAgentEscalated     EventType = "agent_escalated"
	EventHumanApproved      EventType = "human_approved"
	EventHumanRejected      EventType = "human_rejected"
	EventHumanOverride      EventType = "human_override"
	EventExperimentVariant  EventType = "experiment_variant"
)

var knownEvents = map[EventType]bool{
	EventSubmissionReceived: true, EventSpamBlocked: true, EventContactMatched: true,
	EventContactCreated: true, EventHandlerAssigned: true, EventAgentProcessing: true,
	EventAgentAction: true, EventAgentActionBlocked: true, EventAgentDraft: true,
	EventAgentCompleted: true, EventAgentError: true, EventAgentRetry: true,
	EventAgentEscalated: true, EventHumanApproved: true, EventHumanRejected: true,
	EventHumanOverride: true, EventExperimentVariant: true,
}

// Valid reports whether t belongs to the closed set.
func (t EventType) Valid() bool {
	return knownEvents[t]
}

// Event is an immutable fact. Sequence and hashes are stamped by the emitter.
type Event struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Sequence     uint64         `json:"sequence"`
	Type         EventType      `json:"type"`
	SubmissionID string         `json:"submission_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	At           time.Time      `json:"at"`
	PayloadHash  string         `json:"payload_hash"`
	ChainHash    string         `json:"chain_hash"`
}
