package contracts

import "time"

// ActionName is the closed set of actions the agent loop may propose.
type ActionName string

const (
	ActionScoreQualify     ActionName = "score_qualify"
	ActionSendMessage      ActionName = "send_message"
	ActionCreateDeal       ActionName = "create_deal"
	ActionCreateTicket     ActionName = "create_ticket"
	ActionCreateBooking    ActionName = "create_booking"
	ActionEnrollInSequence ActionName = "enroll_in_sequence"
	ActionEscalate         ActionName = "escalate"
	ActionRespondDirectly  ActionName = "respond_directly"
)

// AllActions lists every action in declaration order.
var AllActions = []ActionName{
	ActionScoreQualify, ActionSendMessage, ActionCreateDeal, ActionCreateTicket,
	ActionCreateBooking, ActionEnrollInSequence, ActionEscalate, ActionRespondDirectly,
}

// Valid reports whether a is a known action.
func (a ActionName) Valid() bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

// ProposedAction is one step of a decision-service plan.
type ProposedAction struct {
	Name    ActionName     `json:"name"`
	Details map[string]any `json:"details,omitempty"`
}

// ContactUpdates are optional mutations applied after action execution.
type ContactUpdates struct {
	TagsToAdd []string `json:"tagsToAdd,omitempty"`
	Note      string   `json:"note,omitempty"`
}

// Plan is the structured response of the decision service.
type Plan struct {
	Rationale      string           `json:"rationale"`
	Actions        []ProposedAction `json:"actions"`
	ContactUpdates *ContactUpdates  `json:"contactUpdates,omitempty"`
}

// ActionResult is what an action handler reports.
type ActionResult struct {
	Action    ActionName `json:"action"`
	Success   bool       `json:"success"`
	EntityRef string     `json:"entity_ref,omitempty"`
	Message   string     `json:"message,omitempty"`
	Attempts  int        `json:"attempts"`
}

// DraftStatus is the state of a pending plan.
type DraftStatus string

const (
	DraftPending  DraftStatus = "pending"
	DraftApproved DraftStatus = "approved"
	DraftRejected DraftStatus = "rejected"
)

// Draft is a validated, unexecuted plan awaiting human sign-off.
type Draft struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	SubmissionID   string           `json:"submission_id"`
	Rationale      string           `json:"rationale"`
	Actions        []ProposedAction `json:"actions"`
	ContactUpdates *ContactUpdates  `json:"contact_updates,omitempty"`
	Status         DraftStatus      `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	DecidedBy      string           `json:"decided_by,omitempty"`
	DecidedAt      *time.Time       `json:"decided_at,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// EscalationStatus is the state of an escalation queue entry.
type EscalationStatus string

const (
	EscalationOpen     EscalationStatus = "open"
	EscalationResolved EscalationStatus = "resolved"
)

// Escalation is a submission handed to a human after automated recovery gave up.
type Escalation struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	SubmissionID string           `json:"submission_id"`
	Reason       string           `json:"reason"`
	Fallback     *HandlerRef      `json:"fallback,omitempty"`
	Status       EscalationStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	ResolvedBy   string           `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}
