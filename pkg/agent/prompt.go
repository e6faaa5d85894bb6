package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/llm"
)

// maxFieldChars caps each submitted value in the prompt.
const maxFieldChars = 2000

var trustInstructions = map[contracts.TrustLevel]string{
	contracts.TrustObserve:    "You are in observe-only mode. Nothing you propose will be executed; your rationale becomes a summary for a human handler.",
	contracts.TrustDraft:      "Your plan will be saved as a draft and executed only after a human approves it.",
	contracts.TrustWindow:     "Your plan will be executed immediately and reviewed by a human shortly after. Prefer reversible actions.",
	contracts.TrustAutonomous: "Your plan will be executed immediately without human review. Propose only actions you are confident about.",
}

const responseContract = `Respond with a JSON object of the form:
{"rationale": string, "actions": [{"name": string, "details": object}], "contactUpdates": {"tagsToAdd": [string], "note": string}}
"contactUpdates" is optional. Use only action names from the allowed list.`

const strictReminder = `Your previous reply could not be parsed. Reply with ONLY the JSON object described earlier. No prose, no markdown, no code fences.`

type promptContact struct {
	Email           string                  `json:"email"`
	Name            string                  `json:"name,omitempty"`
	JobTitle        string                  `json:"job_title,omitempty"`
	Status          contracts.ContactStatus `json:"status"`
	Score           int                     `json:"score"`
	Tags            []string                `json:"tags,omitempty"`
	SubmissionCount int                     `json:"submission_count"`
	Recent          []contracts.Touchpoint  `json:"recent_touchpoints,omitempty"`
}

type promptContext struct {
	Form struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Purpose string `json:"purpose"`
	} `json:"form"`
	Fields   map[string]any         `json:"fields"`
	Campaign contracts.CampaignTags `json:"campaign"`
	Referrer string                 `json:"referrer,omitempty"`
	Contact  *promptContact         `json:"contact,omitempty"`
	Company  string                 `json:"company,omitempty"`
}

// BuildPrompt assembles the decision request. At most recent touchpoints of
// the contact's history are included.
func BuildPrompt(form *contracts.Form, sub *contracts.Submission, contact *contracts.Contact, company *contracts.Company, recent int) ([]llm.Message, error) {
	var system strings.Builder
	system.WriteString("You triage inbound form submissions for a sales and support team.\n")
	system.WriteString(trustInstructions[form.TrustLevel])
	system.WriteString("\nAllowed actions: ")
	names := make([]string, len(form.AllowedActions))
	for i, a := range form.AllowedActions {
		names[i] = string(a)
	}
	if len(names) == 0 {
		system.WriteString("(none; propose an empty action list)")
	} else {
		system.WriteString(strings.Join(names, ", "))
	}
	system.WriteString("\n")
	system.WriteString(responseContract)

	pc := promptContext{Campaign: sub.Meta.Campaign, Referrer: sub.Meta.Referrer}
	pc.Form.ID, pc.Form.Name, pc.Form.Purpose = form.ID, form.Name, form.Purpose
	pc.Fields = make(map[string]any, sub.Fields.Len())
	for _, e := range sub.Fields.Entries() {
		if s, ok := e.Value.(string); ok && len(s) > maxFieldChars {
			e.Value = s[:maxFieldChars] + "…"
		}
		pc.Fields[e.Key] = e.Value
	}
	if contact != nil {
		pc.Contact = &promptContact{
			Email:           contact.Email,
			Name:            strings.TrimSpace(contact.FullName),
			JobTitle:        contact.JobTitle,
			Status:          contact.Status,
			Score:           contact.Score,
			Tags:            contact.Tags,
			SubmissionCount: contact.SubmissionCount,
			Recent:          contact.RecentTouchpoints(recent),
		}
	}
	if company != nil {
		pc.Company = company.Name
	}
	body, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode prompt context: %w", err)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system.String()},
		{Role: llm.RoleUser, Content: string(body)},
	}, nil
}

// StrictRetry extends a conversation whose reply failed to parse.
func StrictRetry(msgs []llm.Message, badReply string) []llm.Message {
	out := append([]llm.Message(nil), msgs...)
	return append(out,
		llm.Message{Role: llm.RoleAssistant, Content: badReply},
		llm.Message{Role: llm.RoleUser, Content: strictReminder},
	)
}
