package storage

import (
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

type conditionKind int

const (
	kindEquals conditionKind = iota
	kindPrefix
	kindAnd
)

// Condition is a typed payload filter. Build one with Equals, Prefix or And.
type Condition struct {
	kind     conditionKind
	field    string
	value    string
	children []Condition
}

// Equals matches payloads whose field equals value exactly.
func Equals(field, value string) Condition {
	return Condition{kind: kindEquals, field: field, value: value}
}

// Prefix matches payloads whose field starts with value. Qdrant has no native
// prefix match, so the server side uses a text match and results must be
// re-checked with Matches.
func Prefix(field, value string) Condition {
	return Condition{kind: kindPrefix, field: field, value: value}
}

// And matches when every condition matches.
func And(conds ...Condition) Condition {
	return Condition{kind: kindAnd, children: conds}
}

// Filter compiles the condition into a Qdrant filter.
func (c Condition) Filter() *qdrant.Filter {
	if c.kind == kindAnd {
		must := make([]*qdrant.Condition, 0, len(c.children))
		for _, child := range c.children {
			must = append(must, child.condition())
		}
		return &qdrant.Filter{Must: must}
	}
	return &qdrant.Filter{Must: []*qdrant.Condition{c.condition()}}
}

func (c Condition) condition() *qdrant.Condition {
	switch c.kind {
	case kindPrefix:
		return qdrant.NewMatchText(c.field, c.value)
	case kindAnd:
		return qdrant.NewFilterAsCondition(c.Filter())
	default:
		return qdrant.NewMatchKeyword(c.field, c.value)
	}
}

// Matches evaluates the condition against a stored payload.
func (c Condition) Matches(payload map[string]*qdrant.Value) bool {
	switch c.kind {
	case kindAnd:
		for _, child := range c.children {
			if !child.Matches(payload) {
				return false
			}
		}
		return true
	case kindPrefix:
		v, ok := payload[c.field]
		return ok && strings.HasPrefix(v.GetStringValue(), c.value)
	default:
		v, ok := payload[c.field]
		return ok && v.GetStringValue() == c.value
	}
}
