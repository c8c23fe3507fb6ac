package vectorstore

import (
	"fmt"

	"github.com/markdave123-py/contexta/internal/models"
)

// Predicate selects chunks. Equals compares flattened metadata keys and is
// pushed down to external backends; Match runs in process afterwards. A zero
// Predicate matches everything.
type Predicate struct {
	Equals map[string]any
	Match  func(models.Chunk) bool
}

// ByKnowledgeID selects every chunk of one knowledge record.
func ByKnowledgeID(id int64) Predicate {
	return Predicate{Equals: map[string]any{models.MetaKnowledgeID: id}}
}

// And narrows p with another equality.
func (p Predicate) And(key string, value any) Predicate {
	eq := make(map[string]any, len(p.Equals)+1)
	for k, v := range p.Equals {
		eq[k] = v
	}
	eq[key] = value
	return Predicate{Equals: eq, Match: p.Match}
}

func (p Predicate) Matches(c models.Chunk) bool {
	if len(p.Equals) > 0 {
		meta := c.Metadata.AsMap()
		for k, want := range p.Equals {
			if !scalarEqual(meta[k], want) {
				return false
			}
		}
	}
	return p.Match == nil || p.Match(c)
}

func scalarEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
