package agent

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

// detailSchemas constrain the details payload of each action.
var detailSchemas = map[contracts.ActionName]string{
	contracts.ActionScoreQualify: `{
		"type": "object",
		"required": ["score"],
		"properties": {
			"score": {"type": "number", "minimum": 0, "maximum": 100},
			"qualified": {"type": "boolean"},
			"reason": {"type": "string"}
		}
	}`,
	contracts.ActionSendMessage: `{
		"type": "object",
		"required": ["body"],
		"properties": {
			"subject": {"type": "string", "maxLength": 200},
			"body": {"type": "string", "minLength": 1}
		}
	}`,
	contracts.ActionCreateDeal: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"amount": {"type": "number", "minimum": 0},
			"stage": {"type": "string"}
		}
	}`,
	contracts.ActionCreateTicket: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"priority": {"enum": ["low", "normal", "high", "urgent"]},
			"description": {"type": "string"}
		}
	}`,
	contracts.ActionCreateBooking: `{
		"type": "object",
		"required": ["start"],
		"properties": {
			"start": {"type": "string", "minLength": 1},
			"duration_minutes": {"type": "integer", "minimum": 5, "maximum": 480},
			"title": {"type": "string"}
		}
	}`,
	contracts.ActionEnrollInSequence: `{
		"type": "object",
		"required": ["sequence"],
		"properties": {"sequence": {"type": "string", "minLength": 1}}
	}`,
	contracts.ActionEscalate: `{
		"type": "object",
		"required": ["reason"],
		"properties": {"reason": {"type": "string", "minLength": 1}}
	}`,
	contracts.ActionRespondDirectly: `{
		"type": "object",
		"required": ["body"],
		"properties": {
			"subject": {"type": "string", "maxLength": 200},
			"body": {"type": "string", "minLength": 1}
		}
	}`,
}

// Blocked is a proposed action that was dropped before execution.
type Blocked struct {
	Action contracts.ActionName `json:"action"`
	Reason string               `json:"reason"`
}

// Guard enforces the form's allow-list and each action's detail schema.
type Guard struct {
	schemas map[contracts.ActionName]*jsonschema.Schema
}

// NewGuard compiles the detail schema of every action.
func NewGuard() (*Guard, error) {
	g := &Guard{schemas: make(map[contracts.ActionName]*jsonschema.Schema, len(contracts.AllActions))}
	for _, name := range contracts.AllActions {
		src, ok := detailSchemas[name]
		if !ok {
			return nil, fmt.Errorf("agent: no detail schema for action %q", name)
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://helm-intake.schemas.local/actions/%s.schema.json", name)
		if err := c.AddResource(schemaURL, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("agent: load schema %s: %w", name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("agent: compile schema %s: %w", name, err)
		}
		g.schemas[name] = compiled
	}
	return g, nil
}

// Filter splits proposed actions into those the form allows with valid
// details and those dropped, preserving order.
func (g *Guard) Filter(form *contracts.Form, proposed []contracts.ProposedAction) ([]contracts.ProposedAction, []Blocked) {
	var (
		allowed []contracts.ProposedAction
		blocked []Blocked
	)
	for _, a := range proposed {
		if !a.Name.Valid() {
			blocked = append(blocked, Blocked{Action: a.Name, Reason: "unknown action"})
			continue
		}
		if !form.Allows(a.Name) {
			blocked = append(blocked, Blocked{Action: a.Name, Reason: "not in allowed actions"})
			continue
		}
		details := a.Details
		if details == nil {
			details = map[string]any{}
		}
		if err := g.schemas[a.Name].Validate(details); err != nil {
			blocked = append(blocked, Blocked{Action: a.Name, Reason: "invalid details: " + err.Error()})
			continue
		}
		a.Details = details
		allowed = append(allowed, a)
	}
	return allowed, blocked
}
