package application

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"azure-devops-mcp-server/internal/domain"
)

// getStringParam extracts a string parameter from the arguments map.
// Returns a ValidationError if the parameter is required but missing, blank
// or not a string.
func getStringParam(args map[string]interface{}, name string, required bool) (string, error) {
	value, exists := args[name]
	if !exists || value == nil {
		if required {
			return "", domain.NewValidationError("missing required parameter: %s", name)
		}
		return "", nil
	}

	strValue, ok := value.(string)
	if !ok {
		return "", domain.NewValidationError("parameter %s must be a string", name)
	}
	if required && strings.TrimSpace(strValue) == "" {
		return "", domain.NewValidationError("parameter %s must not be empty", name)
	}

	return strValue, nil
}

// getIntParam extracts an integer parameter from the arguments map.
// The second return value reports whether the parameter was present.
// A present value that is not a whole number is an error even when the
// parameter is optional.
func getIntParam(args map[string]interface{}, name string, required bool) (int, bool, error) {
	value, exists := args[name]
	if !exists || value == nil {
		if required {
			return 0, false, domain.NewValidationError("missing required parameter: %s", name)
		}
		return 0, false, nil
	}

	// Handle both float64 (from JSON) and int
	switch v := value.(type) {
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || v > math.MaxInt32 || v < math.MinInt32 {
			return 0, true, domain.NewValidationError("parameter %s must be an integer", name)
		}
		return int(v), true, nil
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, true, domain.NewValidationError("parameter %s must be an integer", name)
		}
		return int(n), true, nil
	default:
		return 0, true, domain.NewValidationError("parameter %s must be an integer", name)
	}
}

// getSaturatedIntParam reads an optional integer that the caller clamps.
// Whole numbers beyond the int range saturate to its bounds instead of
// failing; anything that is not a whole number is still an error.
func getSaturatedIntParam(args map[string]interface{}, name string) (int, bool, error) {
	value, exists := args[name]
	if !exists || value == nil {
		return 0, false, nil
	}

	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true, nil
		}
		parsed, err := v.Float64()
		if err != nil {
			return 0, true, domain.NewValidationError("parameter %s must be an integer", name)
		}
		f = parsed
	default:
		return getIntParam(args, name, false)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, true, domain.NewValidationError("parameter %s must be an integer", name)
	}
	switch {
	case f >= math.MaxInt:
		return math.MaxInt, true, nil
	case f <= math.MinInt:
		return math.MinInt, true, nil
	}
	return int(f), true, nil
}

// getObjectParam extracts a JSON object parameter.
func getObjectParam(args map[string]interface{}, name string) (map[string]interface{}, error) {
	value, exists := args[name]
	if !exists || value == nil {
		return nil, nil
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, domain.NewValidationError("parameter %s must be an object", name)
	}
	return obj, nil
}

// rejectUnknownParams fails on the first argument, in name order, that is
// not one of allowed.
func rejectUnknownParams(args map[string]interface{}, allowed ...string) error {
	var unknown []string
	for name := range args {
		known := false
		for _, a := range allowed {
			if name == a {
				known = true
				break
			}
		}
		if !known {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return domain.NewValidationError("unexpected parameter: %s", unknown[0])
}
