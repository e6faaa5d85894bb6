// Package contracts defines the shared domain types of the intake engine:
// forms, submissions, contacts, handler groups, drafts, error records and events.
//
// Configuration-facing enums are closed sets. Every enum exposes Valid() so
// catalogs are rejected at load time rather than at execution time.
package contracts

import (
	"fmt"
	"time"
)

// FieldType is the closed set of supported form field types.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldEmail       FieldType = "email"
	FieldPhone       FieldType = "phone"
	FieldNumber      FieldType = "number"
	FieldURL         FieldType = "url"
	FieldDate        FieldType = "date"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multiselect"
	FieldCheckbox    FieldType = "checkbox"
	FieldTextarea    FieldType = "textarea"
	FieldHidden      FieldType = "hidden"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldEmail, FieldPhone, FieldNumber, FieldURL, FieldDate,
		FieldSelect, FieldMultiSelect, FieldCheckbox, FieldTextarea, FieldHidden:
		return true
	}
	return false
}

// ContactMapping names the contact attribute a field feeds during identity resolution.
type ContactMapping string

const (
	MapNone      ContactMapping = ""
	MapEmail     ContactMapping = "email"
	MapFirstName ContactMapping = "first_name"
	MapLastName  ContactMapping = "last_name"
	MapFullName  ContactMapping = "full_name"
	MapPhone     ContactMapping = "phone"
	MapJobTitle  ContactMapping = "job_title"
	MapCompany   ContactMapping = "company"
)

// Valid reports whether m is a known mapping.
func (m ContactMapping) Valid() bool {
	switch m {
	case MapNone, MapEmail, MapFirstName, MapLastName, MapFullName, MapPhone, MapJobTitle, MapCompany:
		return true
	}
	return false
}

// TrustLevel is the autonomy granted to the agent loop for a form.
type TrustLevel string

const (
	TrustObserve    TrustLevel = "observe"
	TrustDraft      TrustLevel = "draft"
	TrustWindow     TrustLevel = "execute_with_window"
	TrustAutonomous TrustLevel = "autonomous"
)

// Valid reports whether l is a known trust level.
func (l TrustLevel) Valid() bool {
	switch l {
	case TrustObserve, TrustDraft, TrustWindow, TrustAutonomous:
		return true
	}
	return false
}

// FlowID names one of the fixed processing pipelines.
type FlowID string

const (
	FlowContactUs          FlowID = "contact_us"
	FlowNewsletterSignup   FlowID = "newsletter_signup"
	FlowSupportRequest     FlowID = "support_request"
	FlowDemoRequest        FlowID = "demo_request"
	FlowSalesQualification FlowID = "sales_qualification"
	FlowSupportTriage      FlowID = "support_triage"
)

// AllFlows lists every flow id in declaration order.
var AllFlows = []FlowID{
	FlowContactUs, FlowNewsletterSignup, FlowSupportRequest,
	FlowDemoRequest, FlowSalesQualification, FlowSupportTriage,
}

// Valid reports whether f is a known flow.
func (f FlowID) Valid() bool {
	for _, known := range AllFlows {
		if f == known {
			return true
		}
	}
	return false
}

// AgentGuided reports whether the flow hands off to the agent loop.
func (f FlowID) AgentGuided() bool {
	return f == FlowSalesQualification || f == FlowSupportTriage
}

// FieldSpec describes one form field and its validation constraints.
type FieldSpec struct {
	Name      string         `yaml:"name" json:"name"`
	Label     string         `yaml:"label,omitempty" json:"label,omitempty"`
	Type      FieldType      `yaml:"type" json:"type"`
	Required  bool           `yaml:"required,omitempty" json:"required,omitempty"`
	MinLength int            `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength int            `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Min       *float64       `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64       `yaml:"max,omitempty" json:"max,omitempty"`
	Pattern   string         `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Options   []string       `yaml:"options,omitempty" json:"options,omitempty"`
	Rule      string         `yaml:"rule,omitempty" json:"rule,omitempty"` // CEL, evaluated against `value` and `fields`
	MapsTo    ContactMapping `yaml:"maps_to,omitempty" json:"maps_to,omitempty"`
}

// Mapping returns the effective contact mapping; email fields map to email by default.
func (f FieldSpec) Mapping() ContactMapping {
	if f.MapsTo == MapNone && f.Type == FieldEmail {
		return MapEmail
	}
	return f.MapsTo
}

// AbuseLimits are the per-form screening ceilings.
type AbuseLimits struct {
	MaxPerIP        int           `yaml:"max_submissions_per_ip" json:"max_submissions_per_ip"`
	MaxPerEmail     int           `yaml:"max_submissions_per_email" json:"max_submissions_per_email"`
	Window          time.Duration `yaml:"window" json:"window"`
	DuplicateWindow time.Duration `yaml:"duplicate_window" json:"duplicate_window"`
}

// SuccessResponse is what the submitter sees on acceptance (and on a silent honeypot reject).
type SuccessResponse struct {
	Message     string `yaml:"message" json:"message"`
	RedirectURL string `yaml:"redirect_url,omitempty" json:"redirect_url,omitempty"`
}

// Form is a tenant-scoped form definition.
type Form struct {
	ID             string          `yaml:"id" json:"id"`
	TenantID       string          `yaml:"tenant_id" json:"tenant_id"`
	Name           string          `yaml:"name" json:"name"`
	Purpose        string          `yaml:"purpose" json:"purpose"`
	Version        string          `yaml:"version" json:"version"`
	Active         bool            `yaml:"active" json:"active"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
	Fields         []FieldSpec     `yaml:"fields" json:"fields"`
	HoneypotField  string          `yaml:"honeypot_field,omitempty" json:"honeypot_field,omitempty"`
	Limits         AbuseLimits     `yaml:"limits" json:"limits"`
	Success        SuccessResponse `yaml:"success" json:"success"`
	Flow           FlowID          `yaml:"flow" json:"flow"`
	TrustLevel     TrustLevel      `yaml:"trust_level" json:"trust_level"`
	AllowedActions []ActionName    `yaml:"allowed_actions,omitempty" json:"allowed_actions,omitempty"`
	HandlerGroupID string          `yaml:"handler_group" json:"handler_group"`
	ReviewWindow   time.Duration   `yaml:"review_window,omitempty" json:"review_window,omitempty"`
	Experiment     *Experiment     `yaml:"experiment,omitempty" json:"experiment,omitempty"`
}

// Field returns the spec for name.
func (f *Form) Field(name string) (FieldSpec, bool) {
	for _, spec := range f.Fields {
		if spec.Name == name {
			return spec, true
		}
	}
	return FieldSpec{}, false
}

// Allows reports whether the agent may execute action for this form.
func (f *Form) Allows(action ActionName) bool {
	for _, a := range f.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// Validate checks the closed enums and structural invariants of a form definition.
func (f *Form) Validate() error {
	if f.ID == "" || f.TenantID == "" {
		return fmt.Errorf("form: id and tenant_id are required")
	}
	if !f.Flow.Valid() {
		return fmt.Errorf("form %s: unknown flow %q", f.ID, f.Flow)
	}
	if f.Flow.AgentGuided() && !f.TrustLevel.Valid() {
		return fmt.Errorf("form %s: unknown trust level %q", f.ID, f.TrustLevel)
	}
	if f.TrustLevel != "" && !f.TrustLevel.Valid() {
		return fmt.Errorf("form %s: unknown trust level %q", f.ID, f.TrustLevel)
	}
	for _, a := range f.AllowedActions {
		if !a.Valid() {
			return fmt.Errorf("form %s: unknown action %q", f.ID, a)
		}
	}
	seen := make(map[string]bool, len(f.Fields))
	for _, spec := range f.Fields {
		if spec.Name == "" {
			return fmt.Errorf("form %s: field without name", f.ID)
		}
		if seen[spec.Name] {
			return fmt.Errorf("form %s: duplicate field %q", f.ID, spec.Name)
		}
		seen[spec.Name] = true
		if !spec.Type.Valid() {
			return fmt.Errorf("form %s: field %q has unknown type %q", f.ID, spec.Name, spec.Type)
		}
		if !spec.MapsTo.Valid() {
			return fmt.Errorf("form %s: field %q has unknown mapping %q", f.ID, spec.Name, spec.MapsTo)
		}
		if (spec.Type == FieldSelect || spec.Type == FieldMultiSelect) && len(spec.Options) == 0 {
			return fmt.Errorf("form %s: field %q needs options", f.ID, spec.Name)
		}
	}
	if f.HoneypotField != "" && seen[f.HoneypotField] {
		return fmt.Errorf("form %s: honeypot %q collides with a declared field", f.ID, f.HoneypotField)
	}
	if f.Experiment != nil {
		if err := f.Experiment.Validate(); err != nil {
			return fmt.Errorf("form %s: %w", f.ID, err)
		}
	}
	return nil
}

// Variant is one arm of an experiment. FieldOverride replaces base fields by name
// and appends fields the base form does not declare.
type Variant struct {
	ID            string      `yaml:"id" json:"id"`
	Weight        int         `yaml:"weight" json:"weight"`
	FieldOverride []FieldSpec `yaml:"field_override,omitempty" json:"field_override,omitempty"`
}

// Experiment is an A/B selector attached to a form.
type Experiment struct {
	ID            string    `yaml:"id" json:"id"`
	Active        bool      `yaml:"active" json:"active"`
	MinSampleSize int       `yaml:"min_sample_size" json:"min_sample_size"`
	Variants      []Variant `yaml:"variants" json:"variants"`
}

// Validate checks variant ids and weights.
func (e *Experiment) Validate() error {
	if len(e.Variants) == 0 {
		return fmt.Errorf("experiment %s: no variants", e.ID)
	}
	total := 0
	seen := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if v.ID == "" || seen[v.ID] {
			return fmt.Errorf("experiment %s: variant ids must be unique and non-empty", e.ID)
		}
		seen[v.ID] = true
		if v.Weight < 0 {
			return fmt.Errorf("experiment %s: variant %s has negative weight", e.ID, v.ID)
		}
		total += v.Weight
	}
	if total == 0 {
		return fmt.Errorf("experiment %s: weights sum to zero", e.ID)
	}
	return nil
}

// Variant returns the variant with id.
func (e *Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}
