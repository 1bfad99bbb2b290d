package qdrant

import (
	"fmt"
	"sort"
)

const (
	filterOpEq = "$eq"
	filterOpNe = "$ne"
	filterOpIn = "$in"
)

type translatedFilter struct {
	Must    []any
	MustNot []any
}

func (f translatedFilter) asMap() map[string]any {
	out := map[string]any{}
	if len(f.Must) > 0 {
		out["must"] = f.Must
	}
	if len(f.MustNot) > 0 {
		out["must_not"] = f.MustNot
	}
	return out
}

// translateFilterMap converts the adapter's small filter language into a
// qdrant filter body. Supported shapes per field:
//
//	{"document_id": "abc"}                 exact match
//	{"document_id": {"$eq": "abc"}}        exact match
//	{"document_id": {"$ne": "abc"}}        negated match
//	{"document_id": {"$in": ["a", "b"]}}   match any
//
// Keys are walked in sorted order so request bodies stay deterministic.
func translateFilterMap(filter map[string]any) (translatedFilter, error) {
	out := translatedFilter{}
	if len(filter) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := filter[key]
		ops, isOpMap := value.(map[string]any)
		if !isOpMap {
			scalar, ok := toScalarValue(value)
			if !ok {
				return translatedFilter{}, opErr(
					"translate_filter",
					OperationErrorUnsupportedFilter,
					fmt.Sprintf("field %q has unsupported value type %T", key, value),
					nil,
				)
			}
			out.Must = append(out.Must, qdrantMatchCondition(key, scalar))
			continue
		}

		for op, operand := range ops {
			switch op {
			case filterOpEq:
				scalar, ok := toScalarValue(operand)
				if !ok {
					return translatedFilter{}, opErr(
						"translate_filter",
						OperationErrorUnsupportedFilter,
						fmt.Sprintf("field %q: $eq operand must be a scalar, got %T", key, operand),
						nil,
					)
				}
				out.Must = append(out.Must, qdrantMatchCondition(key, scalar))
			case filterOpNe:
				scalar, ok := toScalarValue(operand)
				if !ok {
					return translatedFilter{}, opErr(
						"translate_filter",
						OperationErrorUnsupportedFilter,
						fmt.Sprintf("field %q: $ne operand must be a scalar, got %T", key, operand),
						nil,
					)
				}
				out.MustNot = append(out.MustNot, qdrantMatchCondition(key, scalar))
			case filterOpIn:
				values, ok := toScalarSlice(operand)
				if !ok || len(values) == 0 {
					return translatedFilter{}, opErr(
						"translate_filter",
						OperationErrorUnsupportedFilter,
						fmt.Sprintf("field %q: $in operand must be a non-empty scalar list, got %T", key, operand),
						nil,
					)
				}
				out.Must = append(out.Must, map[string]any{
					"key":   key,
					"match": map[string]any{"any": values},
				})
			default:
				return translatedFilter{}, opErr(
					"translate_filter",
					OperationErrorUnsupportedFilter,
					fmt.Sprintf("field %q: unsupported operator %q", key, op),
					nil,
				)
			}
		}
	}

	return out, nil
}

func qdrantMatchCondition(key string, value any) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"value": value},
	}
}

func toScalarValue(value any) (any, bool) {
	switch v := value.(type) {
	case string, bool:
		return v, true
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return v, true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	default:
		return nil, false
	}
}

func toScalarSlice(value any) ([]any, bool) {
	switch vs := value.(type) {
	case []any:
		out := make([]any, 0, len(vs))
		for _, item := range vs {
			scalar, ok := toScalarValue(item)
			if !ok {
				return nil, false
			}
			out = append(out, scalar)
		}
		return out, true
	case []string:
		out := make([]any, 0, len(vs))
		for _, item := range vs {
			out = append(out, item)
		}
		return out, true
	default:
		return nil, false
	}
}
