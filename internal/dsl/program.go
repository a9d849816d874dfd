package dsl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// safeFieldRe is the field-name safety regex enforced on mapping keys and
// values (dotted paths allowed); literal ("@literal:...") values are exempt.
var safeFieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Program is the parsed {steps: [...]} workflow document.
type Program struct {
	Steps []Step `json:"steps"`
}

type Step struct {
	From      FromDef      `json:"from"`
	Transform TransformDef `json:"transform"`
	To        ToDef        `json:"to"`
}

// FromDef is a tagged union discriminated by Type.
type FromDef struct {
	Type string `json:"type"` // "entity" | "format" | "previous_step" | "trigger"

	// entity
	EntityDefinition string        `json:"entity_definition,omitempty"`
	Filter           *EntityFilter `json:"filter,omitempty"`

	// format
	Source json.RawMessage `json:"source,omitempty"`
	Format  *FormatSpec     `json:"format,omitempty"`

	Mapping Mapping `json:"mapping"`
}

type EntityFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type FormatSpec struct {
	FormatType string            `json:"format_type"`
	Options    map[string]string `json:"options,omitempty"`
}

// TransformDef is a tagged union discriminated by Type.
type TransformDef struct {
	Type string `json:"type"` // "none" | "arithmetic" | "concat" | "authenticate"

	Target string `json:"target,omitempty"`

	// arithmetic
	Left  *Operand     `json:"left,omitempty"`
	Op    ArithmeticOp `json:"op,omitempty"`
	Right *Operand     `json:"right,omitempty"`

	// concat
	ConcatLeft      *StringOperand `json:"concat_left,omitempty"`
	Separator       string         `json:"separator,omitempty"`
	ConcatRight     *StringOperand `json:"concat_right,omitempty"`

	// authenticate
	AuthSecretRef    string   `json:"auth_secret_ref,omitempty"`
	AuthExpirySecs   int      `json:"auth_expiry_secs,omitempty"`
	RequiredClaims   []string `json:"required_claims,omitempty"`
}

// ToDef is a tagged union discriminated by Type.
type ToDef struct {
	Type string `json:"type"` // "format" | "entity" | "next_step"

	// format
	Output *PushOutput `json:"output,omitempty"`
	Format *FormatSpec `json:"format,omitempty"`

	// entity
	EntityDefinition string   `json:"entity_definition,omitempty"`
	Path             string   `json:"path,omitempty"`
	Mode             string   `json:"mode,omitempty"` // "create" | "update" | "create_or_update"
	Identify         Mapping  `json:"identify,omitempty"`
	UpdateKey        string   `json:"update_key,omitempty"`
	FallbackPath     string   `json:"fallback_path,omitempty"`
	ValueTransforms  map[string]string `json:"value_transforms,omitempty"`

	Mapping Mapping `json:"mapping"`
}

type PushOutput struct {
	Kind        string       `json:"kind"` // "api" | "download" | "push"
	Destination *Destination `json:"destination,omitempty"`
	Method      string       `json:"method,omitempty"`
}

type Destination struct {
	DestinationType string         `json:"destination_type"`
	Config          map[string]any `json:"config,omitempty"`
	Auth            *AuthConfig    `json:"auth,omitempty"`
}

type AuthConfig struct {
	Kind     string `json:"kind"` // "basic" | "header" | "entity_jwt"
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Header   string `json:"header,omitempty"`
	Value    string `json:"value,omitempty"`
}

var allowedOperators = map[string]bool{
	"=": true, ">": true, "<": true, "<=": true, ">=": true, "IN": true, "NOT IN": true,
}

// Validate enforces every static rule of §4.8 against a parsed Program.
// It never checks that referenced entity definitions exist.
func Validate(p Program) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("steps must be non-empty")
	}
	for i, step := range p.Steps {
		if err := validateMappingFieldNames(step.From.Mapping); err != nil {
			return fmt.Errorf("step %d from.mapping: %w", i, err)
		}
		if err := validateMappingFieldNames(step.To.Mapping); err != nil {
			return fmt.Errorf("step %d to.mapping: %w", i, err)
		}
		if err := validateFrom(step.From); err != nil {
			return fmt.Errorf("step %d from: %w", i, err)
		}
		if err := validateTo(step.To); err != nil {
			return fmt.Errorf("step %d to: %w", i, err)
		}
	}
	return nil
}

func validateMappingFieldNames(m Mapping) error {
	for source, dest := range m {
		if strings.HasPrefix(source, LiteralPrefix) {
			if !safeFieldRe.MatchString(dest) {
				return fmt.Errorf("unsafe destination field name %q", dest)
			}
			continue
		}
		if !safeFieldRe.MatchString(source) {
			return fmt.Errorf("unsafe source field name %q", source)
		}
		if !safeFieldRe.MatchString(dest) {
			return fmt.Errorf("unsafe destination field name %q", dest)
		}
	}
	return nil
}

func validateFrom(f FromDef) error {
	switch f.Type {
	case "entity":
		if f.EntityDefinition == "" {
			return fmt.Errorf("entity_definition must be non-empty")
		}
		if f.Filter != nil {
			if f.Filter.Field == "" {
				return fmt.Errorf("filter.field must be non-empty")
			}
			if !allowedOperators[f.Filter.Operator] {
				return fmt.Errorf("filter.operator %q is not allowed", f.Filter.Operator)
			}
		}
	case "format":
		if f.Format == nil || f.Format.FormatType == "" {
			return fmt.Errorf("format.format_type must be non-empty")
		}
		if err := validateCSVOptions(f.Format); err != nil {
			return err
		}
	case "previous_step", "trigger":
		// no structural requirements beyond the tag.
	default:
		return fmt.Errorf("unknown from type %q", f.Type)
	}
	return nil
}

func validateCSVOptions(f *FormatSpec) error {
	if f.FormatType != "csv" {
		return nil
	}
	for _, key := range []string{"delimiter", "escape", "quote"} {
		if v, ok := f.Options[key]; ok && len([]rune(v)) != 1 {
			return fmt.Errorf("csv option %q must be a single character", key)
		}
	}
	return nil
}

func validateTo(t ToDef) error {
	switch t.Type {
	case "format":
		if t.Output == nil {
			return fmt.Errorf("output must be present")
		}
		switch t.Output.Kind {
		case "push":
			if t.Output.Destination == nil || t.Output.Destination.DestinationType == "" {
				return fmt.Errorf("destination.destination_type must be non-empty")
			}
			if t.Output.Destination.DestinationType == "uri" {
				uri, _ := t.Output.Destination.Config["uri"].(string)
				if uri == "" || (!strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://")) {
					return fmt.Errorf("uri destination config.uri must start with http:// or https://")
				}
			}
			if err := validateAuth(t.Output.Destination.Auth); err != nil {
				return err
			}
		case "api", "download":
			// no structural requirements beyond the tag.
		default:
			return fmt.Errorf("unknown output kind %q", t.Output.Kind)
		}
	case "entity":
		if t.EntityDefinition == "" || t.Path == "" {
			return fmt.Errorf("entity_definition and path must be non-empty")
		}
		switch t.Mode {
		case "create", "update", "create_or_update":
		default:
			return fmt.Errorf("mode must be one of create, update, create_or_update")
		}
	case "next_step":
		// empty mapping means pass-through; nothing else to validate.
	default:
		return fmt.Errorf("unknown to type %q", t.Type)
	}
	return nil
}

func validateAuth(a *AuthConfig) error {
	if a == nil {
		return nil
	}
	switch a.Kind {
	case "basic":
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("basic auth requires non-empty username and password")
		}
	case "header":
		if a.Header == "" || a.Value == "" {
			return fmt.Errorf("header auth requires non-empty header and value")
		}
	case "entity_jwt":
		// entity_jwt has no fields to check statically; the push sink
		// sends no auth header for it and checks no claims.
	default:
		return fmt.Errorf("unknown auth kind %q", a.Kind)
	}
	return nil
}
