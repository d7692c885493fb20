// Package translate implements the Query Translator (spec 4.D): it lowers a
// filter.Node tree plus sort/limit/skip into a parameterized SQL query
// against the documents table, choosing per-predicate between an indexed
// slot column and a json_extract expression.
package translate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arkhaios/docvec/pkg/errs"
	"github.com/arkhaios/docvec/pkg/filter"
	"github.com/arkhaios/docvec/pkg/logging"
	"github.com/arkhaios/docvec/pkg/registry"
)

// fieldPathPattern restricts field paths accepted into generated SQL text:
// json_extract's path argument is string-built, not parameterized, so any
// character outside this set is rejected rather than interpolated.
var fieldPathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// SortKey is one entry of an ORDER BY clause. Direction is 1 for ascending,
// -1 for descending (spec 4.D).
type SortKey struct {
	Field     string
	Direction int
}

// Options carries the optional limit/skip/sort/select-list parameters of a
// translate call (spec 4.D contract).
type Options struct {
	Limit      *int
	Skip       *int
	Sort       []SortKey
	// SelectList defaults to "*"; callers building a count query pass
	// "COUNT(*)" (spec 4.G: "Count. Same translator output, with the
	// selection list replaced by COUNT(*)").
	SelectList string
}

// Result is what Translate returns: the full SQL statement, its positional
// parameters, whether any predicate used an indexed slot, and the set of
// leaf field paths touched (for Pattern Analyzer reporting).
type Result struct {
	Query             string
	Params            []any
	UsesIndexedFields bool
	TouchedFields     []string
}

// Translator lowers filter trees into SQL for one documents table.
type Translator struct {
	registry *registry.Registry
	logger   logging.Logger
}

// New returns a Translator consulting reg for indexed-slot bindings.
func New(reg *registry.Registry, logger logging.Logger) *Translator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Translator{registry: reg, logger: logger}
}

type build struct {
	collection        string
	params            []any
	usesIndexedFields bool
	touched           []string
	seen              map[string]bool
}

// Translate builds a full SELECT statement scoped to collection and
// non-deleted rows (spec 4.D: "always scopes to non-deleted rows").
func (t *Translator) Translate(collection string, node *filter.Node, opts Options) (Result, error) {
	selectList := opts.SelectList
	if selectList == "" {
		selectList = "*"
	}

	b := &build{collection: collection, seen: make(map[string]bool)}
	b.params = append(b.params, collection)

	where := "_collection = ? AND _deleted = 0"
	if node != nil {
		clause, err := t.buildNode(b, node)
		if err != nil {
			return Result{}, err
		}
		where += " AND (" + clause + ")"
	}

	query := fmt.Sprintf("SELECT %s FROM documents WHERE %s", selectList, where)

	if len(opts.Sort) > 0 {
		parts := make([]string, 0, len(opts.Sort))
		for _, sk := range opts.Sort {
			expr, err := t.sortExpr(b, sk.Field)
			if err != nil {
				return Result{}, err
			}
			dir := "ASC"
			if sk.Direction < 0 {
				dir = "DESC"
			}
			parts = append(parts, expr+" "+dir)
		}
		query += " ORDER BY " + strings.Join(parts, ", ")
	}

	if opts.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *opts.Limit)
	}
	if opts.Skip != nil {
		query += fmt.Sprintf(" OFFSET %d", *opts.Skip)
	}

	return Result{
		Query:             query,
		Params:            b.params,
		UsesIndexedFields: b.usesIndexedFields,
		TouchedFields:     b.touched,
	}, nil
}

func (t *Translator) sortExpr(b *build, field string) (string, error) {
	if strings.HasPrefix(field, "_") {
		if !isEnvelopeColumn(field) {
			return "", errs.Input("translate.sortExpr", fmt.Errorf("%w: %q", errs.ErrReservedName, field))
		}
		return field, nil
	}
	if binding, ok := t.registry.Mapping(b.collection, field); ok {
		return binding.SlotColumn, nil
	}
	path, err := validatedPath(field)
	if err != nil {
		return "", err
	}
	return jsonExtract("payload", path), nil
}

func isEnvelopeColumn(field string) bool {
	switch field {
	case "_id", "_collection", "_version", "_created_at", "_updated_at", "_deleted":
		return true
	default:
		return false
	}
}

func (t *Translator) buildNode(b *build, n *filter.Node) (string, error) {
	switch n.Kind {
	case filter.KindAnd:
		return t.joinChildren(b, n.Children, " AND ")
	case filter.KindOr:
		return t.joinChildren(b, n.Children, " OR ")
	case filter.KindNot:
		inner, err := t.buildNode(b, n.Children[0])
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case filter.KindPredicate:
		return t.buildPredicate(b, n, "payload", true)
	default:
		return "", errs.Input("translate.buildNode", fmt.Errorf("unknown node kind %d", n.Kind))
	}
}

func (t *Translator) joinChildren(b *build, children []*filter.Node, sep string) (string, error) {
	clauses := make([]string, 0, len(children))
	for _, c := range children {
		clause, err := t.buildNode(b, c)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, "("+clause+")")
	}
	return strings.Join(clauses, sep), nil
}

// buildPredicate lowers a single field-predicate node. root is the SQL
// expression the field path is relative to ("payload" at the top level, or
// a json_each row's "value" column inside $elemMatch). recordTouch controls
// whether the field path is reported to the Pattern Analyzer — only
// top-level fields are ($elemMatch's inner paths live in a different
// addressing space and aren't independently promotable).
func (t *Translator) buildPredicate(b *build, n *filter.Node, root string, recordTouch bool) (string, error) {
	if recordTouch && !strings.HasPrefix(n.Field, "_") && !b.seen[n.Field] {
		b.seen[n.Field] = true
		b.touched = append(b.touched, n.Field)
	}

	if root == "payload" && strings.HasPrefix(n.Field, "_") {
		if !isEnvelopeColumn(n.Field) {
			return "", errs.Input("translate.buildPredicate", fmt.Errorf("%w: %q", errs.ErrReservedName, n.Field))
		}
		return t.buildEnvelopePredicate(b, n.Field, n)
	}

	if root == "payload" {
		if binding, ok := t.registry.Mapping(b.collection, n.Field); ok {
			if supportsIndexed(n.Op) {
				clause, err := t.buildIndexedPredicate(b, binding.SlotColumn, n)
				if err == nil {
					b.usesIndexedFields = true
					return clause, nil
				}
			} else {
				t.logger.Warn("operator unsupported on indexed slot, degrading to JSON path",
					"collection", b.collection, "field", n.Field, "operator", n.Op)
			}
		}
	}

	path, err := validatedPath(n.Field)
	if err != nil {
		return "", err
	}
	return t.buildJSONPredicate(b, root, path, n)
}

// buildEnvelopePredicate lowers a predicate against an envelope column
// (_id, _collection, _version, _created_at, _updated_at, _deleted) — these
// live directly on the documents table, never inside payload, so they reuse
// the indexed-column codegen path rather than json_extract.
func (t *Translator) buildEnvelopePredicate(b *build, column string, n *filter.Node) (string, error) {
	if !supportsIndexed(n.Op) {
		return "", errs.Input("translate.buildEnvelopePredicate",
			fmt.Errorf("%w: operator %q is not supported against envelope field %q", errs.ErrInvalidValue, n.Op, column))
	}
	return t.buildIndexedPredicate(b, column, n)
}

// supportsIndexed reports which operators have a native SQL form against a
// scalar slot column. type/all/elem_match/size require structural JSON
// introspection and always degrade to the JSON path (spec 4.D tie-break:
// "an unsupported operator on an indexed slot ... degrades to the JSON
// path").
func supportsIndexed(op filter.Operator) bool {
	switch op {
	case filter.OpEq, filter.OpNe, filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte,
		filter.OpIn, filter.OpNin, filter.OpExists, filter.OpRegex:
		return true
	default:
		return false
	}
}

func (t *Translator) buildIndexedPredicate(b *build, column string, n *filter.Node) (string, error) {
	switch n.Op {
	case filter.OpEq:
		b.params = append(b.params, n.Operand)
		return column + " = ?", nil
	case filter.OpNe:
		b.params = append(b.params, n.Operand)
		return column + " != ?", nil
	case filter.OpGt:
		b.params = append(b.params, n.Operand)
		return column + " > ?", nil
	case filter.OpGte:
		b.params = append(b.params, n.Operand)
		return column + " >= ?", nil
	case filter.OpLt:
		b.params = append(b.params, n.Operand)
		return column + " < ?", nil
	case filter.OpLte:
		b.params = append(b.params, n.Operand)
		return column + " <= ?", nil
	case filter.OpIn:
		return t.buildInClause(b, column, n.Operand, false)
	case filter.OpNin:
		return t.buildInClause(b, column, n.Operand, true)
	case filter.OpExists:
		want, ok := n.Operand.(bool)
		if !ok {
			return "", errs.Input("translate.buildIndexedPredicate", fmt.Errorf("$exists operand must be boolean"))
		}
		if want {
			return column + " IS NOT NULL", nil
		}
		return column + " IS NULL", nil
	case filter.OpRegex:
		pattern, ok := n.Operand.(string)
		if !ok {
			return "", errs.Input("translate.buildIndexedPredicate", fmt.Errorf("$regex operand must be a string"))
		}
		b.params = append(b.params, likeFromRegex(pattern))
		return column + " LIKE ? ESCAPE '\\'", nil
	default:
		return "", errs.Input("translate.buildIndexedPredicate", fmt.Errorf("unsupported indexed operator %q", n.Op))
	}
}

func (t *Translator) buildInClause(b *build, expr string, operand any, negate bool) (string, error) {
	values, ok := operand.([]any)
	if !ok {
		return "", errs.Input("translate.buildInClause", fmt.Errorf("$in/$nin operand must be an array"))
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		b.params = append(b.params, v)
	}
	op := "IN"
	if negate {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", expr, op, strings.Join(placeholders, ",")), nil
}

func validatedPath(field string) (string, error) {
	if !fieldPathPattern.MatchString(field) {
		return "", errs.Input("translate.validatedPath", fmt.Errorf("%w: field path %q contains unsupported characters", errs.ErrInvalidValue, field))
	}
	return field, nil
}

func jsonExtract(root, path string) string {
	if path == "" {
		return root
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", root, path)
}

// buildJSONPredicate lowers a predicate against json_extract(root, '$.path')
// (spec 4.D JSON path codegen). An empty path addresses root itself, used
// for $elemMatch sub-predicates applied directly to a scalar array element.
func (t *Translator) buildJSONPredicate(b *build, root, path string, n *filter.Node) (string, error) {
	extract := jsonExtract(root, path)
	switch n.Op {
	case filter.OpEq:
		b.params = append(b.params, n.Operand)
		return extract + " = ?", nil
	case filter.OpNe:
		b.params = append(b.params, n.Operand)
		return extract + " != ?", nil
	case filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte:
		cmp := map[filter.Operator]string{
			filter.OpGt: ">", filter.OpGte: ">=", filter.OpLt: "<", filter.OpLte: "<=",
		}[n.Op]
		b.params = append(b.params, n.Operand)
		return fmt.Sprintf("CAST(%s AS REAL) %s ?", extract, cmp), nil
	case filter.OpIn:
		values, ok := n.Operand.([]any)
		if !ok {
			return "", errs.Input("translate.buildJSONPredicate", fmt.Errorf("$in operand must be an array"))
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = extract + " = ?"
			b.params = append(b.params, v)
		}
		return strings.Join(parts, " OR "), nil
	case filter.OpNin:
		values, ok := n.Operand.([]any)
		if !ok {
			return "", errs.Input("translate.buildJSONPredicate", fmt.Errorf("$nin operand must be an array"))
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = extract + " != ?"
			b.params = append(b.params, v)
		}
		return strings.Join(parts, " AND "), nil
	case filter.OpExists:
		want, ok := n.Operand.(bool)
		if !ok {
			return "", errs.Input("translate.buildJSONPredicate", fmt.Errorf("$exists operand must be boolean"))
		}
		if want {
			return extract + " IS NOT NULL", nil
		}
		return extract + " IS NULL", nil
	case filter.OpRegex:
		pattern, ok := n.Operand.(string)
		if !ok {
			return "", errs.Input("translate.buildJSONPredicate", fmt.Errorf("$regex operand must be a string"))
		}
		b.params = append(b.params, likeFromRegex(pattern))
		return extract + " LIKE ? ESCAPE '\\'", nil
	case filter.OpType:
		typeName, ok := n.Operand.(string)
		if !ok {
			return "", errs.Input("translate.buildJSONPredicate", fmt.Errorf("$type operand must be a string"))
		}
		b.params = append(b.params, mongoTypeToJSONType(typeName))
		return fmt.Sprintf("json_type(%s, '$.%s') = ?", root, path), nil
	case filter.OpSize:
		b.params = append(b.params, n.Operand)
		return fmt.Sprintf("json_array_length(%s) = ?", extract), nil
	case filter.OpAll:
		return t.buildAllClause(b, extract, n.Operand)
	case filter.OpElemMatch:
		return t.buildElemMatchClause(b, root, path, n.Operand)
	default:
		return "", errs.Input("translate.buildJSONPredicate", fmt.Errorf("%w: %q", errs.ErrInvalidValue, n.Op))
	}
}

func mongoTypeToJSONType(name string) string {
	switch name {
	case "string":
		return "text"
	case "number", "double", "int", "long":
		return "real"
	case "bool":
		return "true" // sqlite json_type reports "true"/"false" for booleans
	case "array":
		return "array"
	case "object":
		return "object"
	case "null":
		return "null"
	default:
		return name
	}
}

func (t *Translator) buildAllClause(b *build, arrayExtract string, operand any) (string, error) {
	values, ok := operand.([]any)
	if !ok {
		return "", errs.Input("translate.buildAllClause", fmt.Errorf("$all operand must be an array"))
	}
	parts := make([]string, len(values))
	for i, v := range values {
		b.params = append(b.params, v)
		parts[i] = fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)", arrayExtract)
	}
	return strings.Join(parts, " AND "), nil
}

// buildElemMatchClause matches documents having at least one array element
// at root.path satisfying the sub-filter in operand (spec 4.B $elemMatch).
// The sub-filter's field paths address fields of the array element, so they
// are translated against "json_each.value" rather than the document root.
func (t *Translator) buildElemMatchClause(b *build, root, path string, operand any) (string, error) {
	doc, ok := operand.(map[string]any)
	if !ok {
		return "", errs.Input("translate.buildElemMatchClause", fmt.Errorf("$elemMatch operand must be a filter document"))
	}
	// An operator-only document such as {"$gte": 5} applies to the array
	// element itself: parse it as the operator map of an empty field path.
	elementOps := len(doc) > 0
	for k := range doc {
		if !strings.HasPrefix(k, "$") || k == "$and" || k == "$or" || k == "$not" {
			elementOps = false
		}
	}
	if elementOps {
		doc = map[string]any{"": doc}
	}
	sub, err := filter.Parse(doc)
	if err != nil {
		return "", err
	}
	arrayExtract := jsonExtract(root, path)
	if sub == nil {
		return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s))", arrayExtract), nil
	}
	clause, err := t.buildElemMatchNode(b, sub)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE %s)", arrayExtract, clause), nil
}

func (t *Translator) buildElemMatchNode(b *build, n *filter.Node) (string, error) {
	switch n.Kind {
	case filter.KindAnd:
		return t.joinElemMatchChildren(b, n.Children, " AND ")
	case filter.KindOr:
		return t.joinElemMatchChildren(b, n.Children, " OR ")
	case filter.KindNot:
		inner, err := t.buildElemMatchNode(b, n.Children[0])
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case filter.KindPredicate:
		if n.Field == "" {
			// Predicate directly against the scalar element, e.g.
			// {"$elemMatch": {"$gte": 5}}.
			return t.buildJSONPredicate(b, "json_each.value", "", &filter.Node{Op: n.Op, Operand: n.Operand})
		}
		return t.buildPredicate(b, n, "json_each.value", false)
	default:
		return "", errs.Input("translate.buildElemMatchNode", fmt.Errorf("unknown node kind %d", n.Kind))
	}
}

func (t *Translator) joinElemMatchChildren(b *build, children []*filter.Node, sep string) (string, error) {
	clauses := make([]string, 0, len(children))
	for _, c := range children {
		clause, err := t.buildElemMatchNode(b, c)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, "("+clause+")")
	}
	return strings.Join(clauses, sep), nil
}
