package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

// ErrUnparsable is returned when a reply does not contain a usable plan.
var ErrUnparsable = errors.New("agent: unparsable plan")

type rawPlan struct {
	Rationale      string                      `json:"rationale"`
	Actions        *[]contracts.ProposedAction `json:"actions"`
	ContactUpdates *contracts.ContactUpdates   `json:"contactUpdates"`
}

// ParsePlan extracts the plan object from a reply. Surrounding prose and
// markdown fences are tolerated; a missing actions list is not.
func ParsePlan(reply string) (*contracts.Plan, error) {
	s := strings.TrimSpace(reply)
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object", ErrUnparsable)
	}
	var raw rawPlan
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	if raw.Actions == nil {
		return nil, fmt.Errorf("%w: missing actions", ErrUnparsable)
	}
	for i, a := range *raw.Actions {
		if a.Name == "" {
			return nil, fmt.Errorf("%w: action %d has no name", ErrUnparsable, i)
		}
	}
	return &contracts.Plan{
		Rationale:      strings.TrimSpace(raw.Rationale),
		Actions:        *raw.Actions,
		ContactUpdates: raw.ContactUpdates,
	}, nil
}
