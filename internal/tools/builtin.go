package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// Builtins returns the in-process tools every session offers:
//
//   - "getCurrentSelection" reports the business line, client and deal the
//     user currently has selected.
//   - "getCurrentTime" reports the local date and time, optionally in an IANA
//     time zone.
//
// now is the clock used by getCurrentTime; nil means [time.Now].
func Builtins(now func() time.Time) []Tool {
	if now == nil {
		now = time.Now
	}
	return []Tool{
		{
			Definition: s2s.ToolDefinition{
				Name:        "getCurrentSelection",
				Description: "Returns the business line, client and deal currently selected in the app. Empty fields mean nothing is selected.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
			Handler: currentSelection,
		},
		{
			Definition: s2s.ToolDefinition{
				Name:        "getCurrentTime",
				Description: "Returns the current date and time. Use it to resolve relative dates such as tomorrow or next Friday.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timezone": map[string]any{
							"type":        "string",
							"description": "IANA time zone name, e.g. Europe/Berlin. Defaults to the local zone.",
						},
					},
				},
			},
			Handler: currentTime(now),
		},
	}
}

// RegisterBuiltins registers [Builtins] on reg.
func RegisterBuiltins(reg *Registry, now func() time.Time) error {
	for _, t := range Builtins(now) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func currentSelection(_ context.Context, _ Args, snap ContextSnapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode selection: %w", err)
	}
	return string(data), nil
}

func currentTime(now func() time.Time) Handler {
	return func(_ context.Context, args Args, _ ContextSnapshot) (string, error) {
		t := now()
		if tz := args.String("timezone"); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return "", fmt.Errorf("unknown time zone %q", tz)
			}
			t = t.In(loc)
		}
		return t.Format("Monday, 2 January 2006 15:04 MST"), nil
	}
}
