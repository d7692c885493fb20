// Package filter implements the MongoDB-style filter and update grammar:
// a tagged-variant AST for queries (spec 4.B) built from a parsed JSON-ish
// map, plus an Update AST and apply semantics (spec 4.G).
//
// Operand values are represented with Go's interface{}, the same choice the
// teacher's FilterExpression.Value makes (advanced_filter.go) — JSON values
// already decode into bool/float64/string/[]any/map[string]any via
// encoding/json, so a hand-rolled sum type would only duplicate what the
// standard decoder gives us for free.
package filter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Operator is one of the recognized field-predicate operators.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpNin       Operator = "nin"
	OpExists    Operator = "exists"
	OpRegex     Operator = "regex"
	OpType      Operator = "type"
	OpAll       Operator = "all"
	OpElemMatch Operator = "elem_match"
	OpSize      Operator = "size"
)

// wireOperators maps the client-facing $-prefixed operator keys (spec §6,
// "bit-exact; this is the compatibility surface") onto the internal Operator
// enum used by the AST and the translator.
var wireOperators = map[string]Operator{
	"$eq":        OpEq,
	"$ne":        OpNe,
	"$gt":        OpGt,
	"$gte":       OpGte,
	"$lt":        OpLt,
	"$lte":       OpLte,
	"$in":        OpIn,
	"$nin":       OpNin,
	"$exists":    OpExists,
	"$regex":     OpRegex,
	"$type":      OpType,
	"$all":       OpAll,
	"$elemMatch": OpElemMatch,
	"$size":      OpSize,
}

// ErrReservedField is returned when a field path begins with "$" (a
// reserved operator name) or, for user-supplied filters, with "_" (an
// envelope field).
var ErrReservedField = errors.New("filter: reserved field name")

// ErrUnknownOperator is returned for an unrecognized $-prefixed key.
var ErrUnknownOperator = errors.New("filter: unknown operator")

// ErrInvalidFilter is returned for structurally invalid filter documents.
var ErrInvalidFilter = errors.New("filter: invalid filter document")

// NodeKind discriminates the tagged variants of the filter AST.
type NodeKind int

const (
	KindPredicate NodeKind = iota
	KindAnd
	KindOr
	KindNot
)

// Node is a single filter AST node. Field/Op/Operand are populated for
// KindPredicate; Children for KindAnd/KindOr/KindNot (KindNot has exactly
// one child).
type Node struct {
	Kind     NodeKind
	Field    string
	Op       Operator
	Operand  any
	// RegexOptions carries the value of a sibling "$options" key when Op is
	// OpRegex (e.g. "i" for case-insensitive); empty otherwise.
	RegexOptions string
	Children     []*Node
}

// And builds a KindAnd node over children.
func And(children ...*Node) *Node { return &Node{Kind: KindAnd, Children: children} }

// Or builds a KindOr node over children.
func Or(children ...*Node) *Node { return &Node{Kind: KindOr, Children: children} }

// Not builds a KindNot node wrapping child.
func Not(child *Node) *Node { return &Node{Kind: KindNot, Children: []*Node{child}} }

// Predicate builds a single field-predicate node without going through the
// reserved-field checks a client-supplied document requires. Used internally
// by the store to build filters against envelope fields such as "_id".
func Predicate(field string, op Operator, operand any) *Node {
	return &Node{Kind: KindPredicate, Field: field, Op: op, Operand: operand}
}

// Parse parses a client-supplied filter document (spec 4.B) into a Node
// tree. An empty document matches every row and is represented as nil.
func Parse(doc map[string]any) (*Node, error) {
	if len(doc) == 0 {
		return nil, nil
	}

	keys := sortedKeys(doc)
	var children []*Node
	for _, key := range keys {
		node, err := parseTopLevelKey(key, doc[key])
		if err != nil {
			return nil, err
		}
		children = append(children, node)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return And(children...), nil
}

func parseTopLevelKey(key string, value any) (*Node, error) {
	switch key {
	case "$and":
		items, err := asFilterList(value)
		if err != nil {
			return nil, fmt.Errorf("filter: $and: %w", err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: $and requires at least one child", ErrInvalidFilter)
		}
		return And(items...), nil
	case "$or":
		items, err := asFilterList(value)
		if err != nil {
			return nil, fmt.Errorf("filter: $or: %w", err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: $or requires at least one child", ErrInvalidFilter)
		}
		return Or(items...), nil
	case "$not":
		inner, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: $not expects a filter document", ErrInvalidFilter)
		}
		child, err := Parse(inner)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, fmt.Errorf("%w: $not cannot wrap an empty filter", ErrInvalidFilter)
		}
		return Not(child), nil
	default:
		if strings.HasPrefix(key, "$") {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, key)
		}
		return parseFieldValue(key, value, true)
	}
}

func asFilterList(value any) ([]*Node, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected an array of filter documents", ErrInvalidFilter)
	}
	nodes := make([]*Node, 0, len(list))
	for _, item := range list {
		doc, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: array element is not a filter document", ErrInvalidFilter)
		}
		node, err := Parse(doc)
		if err != nil {
			return nil, err
		}
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

// parseFieldValue parses the value side of a single field key: either an
// operator-map, a nested structural value (implicit eq), or a scalar
// (implicit eq). rejectEnvelope controls whether leading-underscore field
// names are rejected, per spec §6 ("rejected when used as user fields").
// Every caller in this package passes true; the store builds filters on
// envelope fields with Predicate instead.
func parseFieldValue(field string, value any, rejectEnvelope bool) (*Node, error) {
	if strings.HasPrefix(field, "$") {
		return nil, fmt.Errorf("%w: %q", ErrReservedField, field)
	}
	if rejectEnvelope && strings.HasPrefix(field, "_") {
		return nil, fmt.Errorf("%w: %q", ErrReservedField, field)
	}

	if m, ok := value.(map[string]any); ok {
		if isOperatorMap(m) {
			return parseOperatorMap(field, m)
		}
		// A map with any non-operator key is a structural value, not a
		// predicate — compare it as a whole with implicit eq (spec 4.B).
		return Predicate(field, OpEq, value), nil
	}
	return Predicate(field, OpEq, value), nil
}

// isOperatorMap reports whether every key in m is $-prefixed (spec 4.B
// parsing rule). Such a map is a predicate; parseOperatorMap rejects any
// $-prefixed key it does not recognize.
func isOperatorMap(m map[string]any) bool {
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

// parseOperatorMap builds one predicate per operator key, ANDed together
// when a field carries more than one (e.g. {"$gte": 1, "$lte": 9}).
func parseOperatorMap(field string, m map[string]any) (*Node, error) {
	options, hasOptions := m["$options"]
	_, hasRegex := m["$regex"]
	if hasOptions && !hasRegex {
		return nil, fmt.Errorf("%w: $options without $regex", ErrInvalidFilter)
	}

	keys := sortedKeys(m)
	var nodes []*Node
	for _, key := range keys {
		if key == "$options" {
			continue
		}
		op, ok := wireOperators[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, key)
		}
		node := Predicate(field, op, m[key])
		if op == OpRegex && hasOptions {
			optStr, ok := options.(string)
			if !ok {
				return nil, fmt.Errorf("%w: $options must be a string", ErrInvalidFilter)
			}
			node.RegexOptions = optStr
		}
		nodes = append(nodes, node)
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return And(nodes...), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Walk calls fn for every predicate leaf in the tree, in left-to-right
// traversal order — used by the translator to record touched field paths
// for the Pattern Analyzer.
func Walk(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	switch n.Kind {
	case KindPredicate:
		fn(n)
	case KindAnd, KindOr, KindNot:
		for _, c := range n.Children {
			Walk(c, fn)
		}
	}
}
