package tools

import "fmt"

// ContextField names a field of [ContextSnapshot].
type ContextField string

const (
	FieldBusinessLineID ContextField = "businessLineId"
	FieldClientID       ContextField = "clientId"
	FieldDealID         ContextField = "dealId"
)

// Value returns the snapshot value of field, or "" for unknown fields.
func (s ContextSnapshot) Value(field ContextField) string {
	switch field {
	case FieldBusinessLineID:
		return s.BusinessLineID
	case FieldClientID:
		return s.ClientID
	case FieldDealID:
		return s.DealID
	}
	return ""
}

// InjectionRule fills argument Arg of tool Tool from snapshot field Field
// when the request leaves it unset.
type InjectionRule struct {
	Tool  string       `yaml:"tool"`
	Arg   string       `yaml:"arg"`
	Field ContextField `yaml:"field"`
}

// Validate reports whether the rule is complete and names a known field.
func (r InjectionRule) Validate() error {
	if r.Tool == "" || r.Arg == "" {
		return fmt.Errorf("tools: injection rule needs tool and arg (got %q/%q)", r.Tool, r.Arg)
	}
	switch r.Field {
	case FieldBusinessLineID, FieldClientID, FieldDealID:
		return nil
	}
	return fmt.Errorf("tools: injection rule %s.%s: unknown context field %q", r.Tool, r.Arg, r.Field)
}

// DefaultInjectionRules is the allow-list of (tool, argument) pairs that are
// filled from the current UI selection.
var DefaultInjectionRules = []InjectionRule{
	{Tool: "createTask", Arg: "clientId", Field: FieldClientID},
	{Tool: "createTask", Arg: "dealId", Field: FieldDealID},
	{Tool: "createTask", Arg: "businessLineId", Field: FieldBusinessLineID},
	{Tool: "createDeal", Arg: "clientId", Field: FieldClientID},
	{Tool: "createDeal", Arg: "businessLineId", Field: FieldBusinessLineID},
	{Tool: "createClient", Arg: "businessLineId", Field: FieldBusinessLineID},
	{Tool: "addNote", Arg: "clientId", Field: FieldClientID},
	{Tool: "addNote", Arg: "dealId", Field: FieldDealID},
	{Tool: "scheduleMeeting", Arg: "clientId", Field: FieldClientID},
	{Tool: "scheduleMeeting", Arg: "dealId", Field: FieldDealID},
	{Tool: "updateDealStage", Arg: "dealId", Field: FieldDealID},
}

// Inject returns a copy of args with every rule for tool applied. An argument
// is filled only when the request left it unset or empty and the snapshot
// has a value; supplied arguments are never overwritten. args is not
// modified.
func Inject(tool string, args map[string]any, snap ContextSnapshot, rules []InjectionRule) map[string]any {
	out := make(map[string]any, len(args)+2)
	for k, v := range args {
		out[k] = v
	}
	for _, r := range rules {
		if r.Tool != tool || Args(out).Has(r.Arg) {
			continue
		}
		if v := snap.Value(r.Field); v != "" {
			out[r.Arg] = v
		}
	}
	return out
}
