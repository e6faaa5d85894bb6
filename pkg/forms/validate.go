package forms

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

const (
	reasonRequired = "required"
	reasonRule     = "failed validation rule"
)

var patternCache sync.Map // string -> *regexp.Regexp

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	patternCache.Store(p, re)
	return re, nil
}

// Validator checks and coerces raw values against a field schema.
type Validator struct {
	rules *RuleEvaluator
}

// NewValidator creates a validator. rules may be nil when no form uses CEL rules.
func NewValidator(rules *RuleEvaluator) *Validator {
	return &Validator{rules: rules}
}

// Check verifies that every field spec of a form is usable: patterns and
// rules compile. Used at catalog load.
func (v *Validator) Check(form *contracts.Form) error {
	specs := append([]contracts.FieldSpec(nil), form.Fields...)
	if form.Experiment != nil {
		for _, variant := range form.Experiment.Variants {
			specs = append(specs, variant.FieldOverride...)
		}
	}
	for _, spec := range specs {
		if spec.Pattern != "" {
			if _, err := compilePattern(spec.Pattern); err != nil {
				return fmt.Errorf("form %s: field %s: bad pattern: %w", form.ID, spec.Name, err)
			}
		}
		if spec.Rule != "" {
			if v.rules == nil {
				return fmt.Errorf("form %s: field %s has a rule but no rule evaluator is configured", form.ID, spec.Name)
			}
			if _, err := v.rules.Compile(spec.Rule); err != nil {
				return fmt.Errorf("form %s: field %s: %w", form.ID, spec.Name, err)
			}
		}
	}
	return nil
}

// Validate coerces raw against schema. Undeclared keys are dropped. The
// returned map names every failing field with a reason; it is empty on success.
func (v *Validator) Validate(schema []contracts.FieldSpec, raw *contracts.FieldValues) (contracts.FieldValues, map[string]string) {
	var out contracts.FieldValues
	failures := make(map[string]string)
	specs := make(map[string]contracts.FieldSpec, len(schema))
	for _, s := range schema {
		specs[s.Name] = s
	}

	for _, e := range raw.Entries() {
		spec, ok := specs[e.Key]
		if !ok || isEmpty(e.Value) {
			continue
		}
		val, err := coerce(spec, e.Value)
		if err != nil {
			failures[spec.Name] = err.Error()
			continue
		}
		out.Set(spec.Name, val)
	}
	for _, spec := range schema {
		if _, present := out.Get(spec.Name); !present && spec.Required {
			if _, failed := failures[spec.Name]; !failed {
				failures[spec.Name] = reasonRequired
			}
		}
	}

	if len(failures) == 0 && v.rules != nil {
		all := out.Map()
		for _, spec := range schema {
			val, present := out.Get(spec.Name)
			if spec.Rule == "" || !present {
				continue
			}
			ok, err := v.rules.Eval(spec.Rule, val, all)
			if err != nil || !ok {
				failures[spec.Name] = reasonRule
			}
		}
	}
	return out, failures
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

func coerce(spec contracts.FieldSpec, raw any) (any, error) {
	switch spec.Type {
	case contracts.FieldNumber:
		return coerceNumber(spec, raw)
	case contracts.FieldCheckbox:
		return coerceBool(raw)
	case contracts.FieldMultiSelect:
		return coerceMulti(spec, raw)
	}

	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("must be a string")
	}
	s = strings.TrimSpace(s)
	if err := checkLength(spec, s); err != nil {
		return nil, err
	}

	switch spec.Type {
	case contracts.FieldEmail:
		addr, err := mail.ParseAddress(s)
		if err != nil || addr.Address != s || !strings.Contains(s[strings.LastIndex(s, "@")+1:], ".") {
			return nil, fmt.Errorf("must be a valid email address")
		}
	case contracts.FieldPhone:
		if !validPhone(s) {
			return nil, fmt.Errorf("must be a valid phone number")
		}
	case contracts.FieldURL:
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("must be an http(s) URL")
		}
	case contracts.FieldDate:
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			return nil, fmt.Errorf("must be a date (YYYY-MM-DD)")
		}
	case contracts.FieldSelect:
		if !contains(spec.Options, s) {
			return nil, fmt.Errorf("must be one of %s", strings.Join(spec.Options, ", "))
		}
	}

	if spec.Pattern != "" {
		re, err := compilePattern(spec.Pattern)
		if err != nil || !re.MatchString(s) {
			return nil, fmt.Errorf("does not match the expected format")
		}
	}
	return s, nil
}

func checkLength(spec contracts.FieldSpec, s string) error {
	n := utf8.RuneCountInString(s)
	if spec.MinLength > 0 && n < spec.MinLength {
		return fmt.Errorf("must be at least %d characters", spec.MinLength)
	}
	if spec.MaxLength > 0 && n > spec.MaxLength {
		return fmt.Errorf("must be at most %d characters", spec.MaxLength)
	}
	return nil
}

func coerceNumber(spec contracts.FieldSpec, raw any) (any, error) {
	var f float64
	switch t := raw.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("must be a number")
		}
		f = parsed
	default:
		return nil, fmt.Errorf("must be a number")
	}
	if spec.Min != nil && f < *spec.Min {
		return nil, fmt.Errorf("must be at least %s", strconv.FormatFloat(*spec.Min, 'f', -1, 64))
	}
	if spec.Max != nil && f > *spec.Max {
		return nil, fmt.Errorf("must be at most %s", strconv.FormatFloat(*spec.Max, 'f', -1, 64))
	}
	return f, nil
}

func coerceBool(raw any) (any, error) {
	switch t := raw.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "on", "yes", "1":
			return true, nil
		case "false", "off", "no", "0":
			return false, nil
		}
	case float64:
		return t != 0, nil
	}
	return nil, fmt.Errorf("must be true or false")
}

func coerceMulti(spec contracts.FieldSpec, raw any) (any, error) {
	var values []string
	switch t := raw.(type) {
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("must be a list of options")
			}
			values = append(values, strings.TrimSpace(s))
		}
	case []string:
		values = t
	case string:
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
	default:
		return nil, fmt.Errorf("must be a list of options")
	}
	for _, s := range values {
		if !contains(spec.Options, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(spec.Options, ", "))
		}
	}
	out := make([]any, len(values))
	for i, s := range values {
		out[i] = s
	}
	return out, nil
}

func validPhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}
