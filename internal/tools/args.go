package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// ArgumentError reports arguments that do not satisfy a tool's schema. Err
// joins one error per offending key.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("tools: invalid arguments for %q: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// Args are the validated arguments of one tool call. Values are string,
// float64, int64, bool or whatever JSON produced for keys the schema does not
// describe.
type Args map[string]any

// String returns the string value of key. Numbers and booleans are
// formatted; a missing key yields "".
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

// Number returns the numeric value of key.
func (a Args) Number(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Int returns the integer value of key.
func (a Args) Int(key string) (int64, bool) {
	switch v := a[key].(type) {
	case int64:
		return v, true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	}
	return 0, false
}

// Bool returns the boolean value of key.
func (a Args) Bool(key string) (bool, bool) {
	v, ok := a[key].(bool)
	return v, ok
}

// Has reports whether key is set to a non-empty value.
func (a Args) Has(key string) bool {
	switch v := a[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	}
	return true
}

// coerceArgs validates raw against a JSON Schema object and converts each
// described property to its declared type. Speech models routinely send
// numbers as strings and the reverse, so lossless conversions are accepted.
func coerceArgs(tool string, schema map[string]any, raw map[string]any) (Args, error) {
	out := make(Args, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	if schema == nil {
		return out, nil
	}

	props, _ := schema["properties"].(map[string]any)
	var errs []error

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		v, present := out[key]
		if !present || v == nil {
			continue
		}
		prop, _ := props[key].(map[string]any)
		typ, _ := prop["type"].(string)
		cv, err := coerceValue(typ, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if enum, ok := prop["enum"].([]any); ok && !slices.Contains(enum, any(cv)) {
			errs = append(errs, fmt.Errorf("%s: %v is not one of %v", key, cv, enum))
			continue
		}
		out[key] = cv
	}

	for _, key := range requiredKeys(schema) {
		if !out.Has(key) {
			errs = append(errs, fmt.Errorf("%s: required", key))
		}
	}

	if len(errs) > 0 {
		return nil, &ArgumentError{Tool: tool, Err: errors.Join(errs...)}
	}
	return out, nil
}

func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		keys := make([]string, 0, len(req))
		for _, k := range req {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}

func coerceValue(typ string, v any) (any, error) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", n)
		}
		v = f
	}

	switch typ {
	case "string":
		switch x := v.(type) {
		case string:
			return x, nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
	case "number":
		switch x := v.(type) {
		case float64:
			return x, nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, nil
			}
		}
	case "integer":
		switch x := v.(type) {
		case float64:
			if x == math.Trunc(x) {
				return int64(x), nil
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return i, nil
			}
		}
	case "boolean":
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
				return b, nil
			}
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("expected %s, got %T", typ, v)
}
