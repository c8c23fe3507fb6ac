package vectorstore

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// Reserved payload fields written next to the metadata on external indexes.
const (
	JSONKeysField  = "_json_keys"
	TextField      = "_text"
	CreatedAtField = "_created_at"
)

type MetaKind uint8

const (
	MetaScalar MetaKind = iota
	MetaJSON
)

// MetaValue is a metadata value as it crosses into an external index: either
// a scalar (string, bool, int64, float64 or nil) or a JSON-serialized
// array/object.
type MetaValue struct {
	Kind   MetaKind
	Scalar any
	JSON   string
}

// EncodeMetadata splits metadata into scalars and JSON strings.
func EncodeMetadata(in map[string]any) (map[string]MetaValue, error) {
	out := make(map[string]MetaValue, len(in))
	for k, v := range in {
		if s, ok := normalizeScalar(v); ok {
			out[k] = MetaValue{Kind: MetaScalar, Scalar: s}
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		out[k] = MetaValue{Kind: MetaJSON, JSON: string(b)}
	}
	return out, nil
}

// DecodeMetadata parses JSON values back into arrays and objects.
func DecodeMetadata(in map[string]MetaValue) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v.Kind == MetaScalar {
			out[k] = v.Scalar
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(v.JSON), &parsed); err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		out[k] = parsed
	}
	return out, nil
}

// Payload flattens encoded metadata into scalar-only fields. The names of
// JSON-serialized keys are recorded under JSONKeysField.
func Payload(enc map[string]MetaValue) map[string]any {
	out := make(map[string]any, len(enc)+1)
	var jsonKeys []string
	for k, v := range enc {
		if v.Kind == MetaJSON {
			out[k] = v.JSON
			jsonKeys = append(jsonKeys, k)
			continue
		}
		out[k] = v.Scalar
	}
	if len(jsonKeys) > 0 {
		slices.Sort(jsonKeys)
		b, _ := json.Marshal(jsonKeys)
		out[JSONKeysField] = string(b)
	}
	return out
}

// FromPayload is the inverse of Payload. Reserved fields are skipped.
func FromPayload(p map[string]any) map[string]MetaValue {
	var jsonKeys []string
	if raw, ok := p[JSONKeysField].(string); ok {
		_ = json.Unmarshal([]byte(raw), &jsonKeys)
	}
	out := make(map[string]MetaValue, len(p))
	for k, v := range p {
		if isReserved(k) {
			continue
		}
		if s, ok := v.(string); ok && slices.Contains(jsonKeys, k) {
			out[k] = MetaValue{Kind: MetaJSON, JSON: s}
			continue
		}
		s, _ := normalizeScalar(v)
		out[k] = MetaValue{Kind: MetaScalar, Scalar: s}
	}
	return out
}

func isReserved(k string) bool {
	return k == JSONKeysField || k == TextField || k == CreatedAtField
}

func normalizeScalar(v any) (any, bool) {
	switch n := v.(type) {
	case nil, string, bool:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return float64(n), true
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), true
		}
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		return f, err == nil
	}
	return nil, false
}

// scalarFilter encodes equality filters, rejecting non-scalar values.
func scalarFilter(eq map[string]any) (map[string]any, error) {
	if len(eq) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(eq))
	for k, v := range eq {
		s, ok := normalizeScalar(v)
		if !ok {
			return nil, fmt.Errorf("filter %q: only scalar values can be pushed down", k)
		}
		out[k] = s
	}
	return out, nil
}
