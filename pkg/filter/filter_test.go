package filter

import (
	"errors"
	"testing"
)

func TestParseImplicitEq(t *testing.T) {
	n, err := Parse(map[string]any{"role": "engineer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Kind != KindPredicate || n.Op != OpEq || n.Field != "role" || n.Operand != "engineer" {
		t.Fatalf("unexpected node: %+v", n)
	}
}

func TestParseOperatorComposition(t *testing.T) {
	// Seed scenario 2: {"$and": [{"role": "engineer"}, {"age": {"$gte": 35}}]}
	doc := map[string]any{
		"$and": []any{
			map[string]any{"role": "engineer"},
			map[string]any{"age": map[string]any{"$gte": 35}},
		},
	}
	n, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Kind != KindAnd || len(n.Children) != 2 {
		t.Fatalf("expected AND of 2 children, got %+v", n)
	}
	if n.Children[0].Field != "role" || n.Children[0].Op != OpEq {
		t.Errorf("first child wrong: %+v", n.Children[0])
	}
	if n.Children[1].Field != "age" || n.Children[1].Op != OpGte || n.Children[1].Operand != 35 {
		t.Errorf("second child wrong: %+v", n.Children[1])
	}
}

func TestParseMultipleOperatorsOnSameField(t *testing.T) {
	n, err := Parse(map[string]any{"age": map[string]any{"$gte": 18, "$lte": 65}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Kind != KindAnd || len(n.Children) != 2 {
		t.Fatalf("expected AND of 2 predicates, got %+v", n)
	}
}

func TestParseNestedStructuralValueIsEq(t *testing.T) {
	doc := map[string]any{"address": map[string]any{"city": "NYC", "zip": "10001"}}
	n, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Op != OpEq {
		t.Errorf("expected implicit eq against a structural value, got %+v", n)
	}
}

func TestParseRegexWithOptions(t *testing.T) {
	doc := map[string]any{"name": map[string]any{"$regex": "^A", "$options": "i"}}
	n, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Op != OpRegex || n.RegexOptions != "i" {
		t.Fatalf("unexpected node: %+v", n)
	}
}

func TestParseOptionsWithoutRegexIsError(t *testing.T) {
	doc := map[string]any{"name": map[string]any{"$options": "i"}}
	if _, err := Parse(doc); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestParseReservedFieldName(t *testing.T) {
	if _, err := Parse(map[string]any{"$bogus": "x"}); !errors.Is(err, ErrUnknownOperator) {
		t.Errorf("expected ErrUnknownOperator, got %v", err)
	}
	if _, err := Parse(map[string]any{"_id": "x"}); !errors.Is(err, ErrReservedField) {
		t.Errorf("expected ErrReservedField for leading underscore, got %v", err)
	}
}

func TestParseUnknownOperator(t *testing.T) {
	doc := map[string]any{"age": map[string]any{"$bogus": 1}}
	if _, err := Parse(doc); !errors.Is(err, ErrUnknownOperator) {
		t.Errorf("expected ErrUnknownOperator, got %v", err)
	}
}

func TestParseAndRequiresChildren(t *testing.T) {
	if _, err := Parse(map[string]any{"$and": []any{}}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter for empty $and, got %v", err)
	}
}

func TestParseNot(t *testing.T) {
	doc := map[string]any{"$not": map[string]any{"role": "engineer"}}
	n, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Kind != KindNot || len(n.Children) != 1 {
		t.Fatalf("unexpected node: %+v", n)
	}
}

func TestWalkRecordsLeafFields(t *testing.T) {
	doc := map[string]any{
		"$and": []any{
			map[string]any{"role": "engineer"},
			map[string]any{"age": map[string]any{"$gte": 35}},
		},
	}
	n, _ := Parse(doc)
	var fields []string
	Walk(n, func(p *Node) { fields = append(fields, p.Field) })
	if len(fields) != 2 || fields[0] != "role" || fields[1] != "age" {
		t.Errorf("unexpected walk order: %v", fields)
	}
}

func TestPredicateBypassesEnvelopeCheck(t *testing.T) {
	n := Predicate("_id", OpEq, "abc")
	if n.Field != "_id" {
		t.Errorf("internal Predicate constructor should allow envelope fields")
	}
}

func TestEmptyFilterParsesToNil(t *testing.T) {
	n, err := Parse(map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != nil {
		t.Errorf("expected nil node for empty filter, got %+v", n)
	}
}
