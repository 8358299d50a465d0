package memory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/structured"
)

// NormalizeCandidate coerces a raw extracted object onto the spec's fields.
// Undeclared fields and values of the wrong shape are dropped, and every list
// is deduplicated keeping first occurrences.
func NormalizeCandidate(spec MemoryTypeSpec, raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(spec.Schema.Fields))
	for _, f := range spec.Schema.Fields {
		v, ok := raw[f.Name]
		if !ok || v == nil {
			continue
		}
		if coerced, ok := coerceField(f, v); ok {
			out[f.Name] = coerced
		}
	}
	return out
}

// MergePatch folds candidate into existing: non-empty scalars overwrite, lists
// are unioned in first-seen order. Fields the schema no longer declares are
// carried over untouched. Neither input is modified.
func MergePatch(spec MemoryTypeSpec, existing, candidate map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(existing)+len(candidate))
	for k, v := range existing {
		if list, ok := v.([]interface{}); ok {
			out[k] = append([]interface{}(nil), list...)
			continue
		}
		out[k] = v
	}

	for _, f := range spec.Schema.Fields {
		v, ok := candidate[f.Name]
		if !ok {
			continue
		}
		if f.Type == structured.FieldList {
			prev, _ := toList(out[f.Name])
			next, _ := toList(v)
			out[f.Name] = unionList(prev, next)
			continue
		}
		if !IsEmptyValue(v) {
			out[f.Name] = v
		}
	}
	return out
}

// IsEmptyValue reports nil, blank strings and empty lists. Zero numbers and
// false are explicit values.
func IsEmptyValue(v interface{}) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(vv) == ""
	case []interface{}:
		return len(vv) == 0
	case []string:
		return len(vv) == 0
	default:
		return false
	}
}

// HasContent reports whether any field carries a non-empty value.
func HasContent(value map[string]interface{}) bool {
	for _, v := range value {
		if !IsEmptyValue(v) {
			return true
		}
	}
	return false
}

func coerceField(f structured.Field, v interface{}) (interface{}, bool) {
	switch f.Type {
	case structured.FieldList:
		list, ok := toList(v)
		if !ok {
			return nil, false
		}
		return unionList(nil, list), true
	case structured.FieldNumber:
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			f, err := n.Float64()
			return f, err == nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			return f, err == nil
		}
		return nil, false
	case structured.FieldBoolean:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			return parsed, err == nil
		}
		return nil, false
	default:
		switch s := v.(type) {
		case string:
			return s, true
		case float64, bool, int, int64, json.Number:
			return fmt.Sprint(s), true
		}
		return nil, false
	}
}

// toList accepts JSON arrays, string slices and a lone scalar. Nil and blank
// string elements are dropped.
func toList(v interface{}) ([]interface{}, bool) {
	var items []interface{}
	switch vv := v.(type) {
	case nil:
		return nil, true
	case []interface{}:
		items = vv
	case []string:
		items = make([]interface{}, len(vv))
		for i, s := range vv {
			items[i] = s
		}
	case string, float64, bool, int, int64:
		items = []interface{}{vv}
	default:
		return nil, false
	}

	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		if IsEmptyValue(item) {
			continue
		}
		out = append(out, item)
	}
	return out, true
}

func unionList(a, b []interface{}) []interface{} {
	out := make([]interface{}, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]interface{}{a, b} {
		for _, item := range list {
			k := listKey(item)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

func listKey(item interface{}) string {
	if s, ok := item.(string); ok {
		return "s:" + s
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("v:%v", item)
	}
	return "j:" + string(b)
}
