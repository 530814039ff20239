// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Option is a loose bag of per-call overrides. Values arrive from JSON
// (extra_params) or from INI sections, so getters coerce the usual
// cross-encodings (string bools, float64 numbers) instead of insisting
// on exact types.
type Option map[string]interface{}

// Has reports whether the key is present.
func (o Option) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// Merge returns a copy of o with every entry of other laid over it.
func (o Option) Merge(other Option) Option {
	merged := make(Option, len(o)+len(other))
	for k, v := range o {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// GetString returns the value as a string.
func (o Option) GetString(key string) (string, error) {
	v, ok := o[key]
	if !ok {
		return "", fmt.Errorf("option %q not found", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

// GetBool returns the value as a bool, accepting string forms.
func (o Option) GetBool(key string) (bool, error) {
	v, ok := o[key]
	if !ok {
		return false, fmt.Errorf("option %q not found", key)
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("option %q: %w", key, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("option %q is not a bool", key)
	}
}

// GetInt returns the value as an int, accepting string and float64 forms.
func (o Option) GetInt(key string) (int, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option %q not found", key)
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("option %q is not an int", key)
	}
}

// GetUint64 returns the value as a uint64.
func (o Option) GetUint64(key string) (uint64, error) {
	n, err := o.GetInt(key)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("option %q is negative", key)
	}
	return uint64(n), nil
}

// GetFloat64 returns the value as a float64, accepting string forms.
func (o Option) GetFloat64(key string) (float64, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option %q not found", key)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("option %q is not a float", key)
	}
}

// GetStringSlice returns the value as a string slice. Accepts native
// slices and the bracketed INI form "[a b c]".
func (o Option) GetStringSlice(key string) ([]string, error) {
	v, ok := o[key]
	if !ok {
		return nil, fmt.Errorf("option %q not found", key)
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(t)
		trimmed = strings.TrimPrefix(trimmed, "[")
		trimmed = strings.TrimSuffix(trimmed, "]")
		if trimmed == "" {
			return nil, nil
		}
		return strings.Fields(trimmed), nil
	default:
		return nil, fmt.Errorf("option %q is not a string slice", key)
	}
}
