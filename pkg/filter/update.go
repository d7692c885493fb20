package filter

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrNonNumeric is returned by $inc/$mul when the current value exists and
// isn't a number.
var ErrNonNumeric = errors.New("filter: value is not numeric")

// Update is the parsed update document (spec 4.G / §6 update operators:
// $set, $unset, $inc, $mul, $push, $pull, $addToSet).
type Update struct {
	Set      map[string]any
	Unset    []string
	Inc      map[string]float64
	Mul      map[string]float64
	Push     map[string]any
	Pull     map[string]any
	AddToSet map[string]any
}

// IsEmpty reports whether the update has no operators at all.
func (u *Update) IsEmpty() bool {
	return u == nil || (len(u.Set) == 0 && len(u.Unset) == 0 && len(u.Inc) == 0 &&
		len(u.Mul) == 0 && len(u.Push) == 0 && len(u.Pull) == 0 && len(u.AddToSet) == 0)
}

// ParseUpdate parses a client-supplied update document. Every top-level key
// must be one of the recognized update operators.
func ParseUpdate(doc map[string]any) (*Update, error) {
	u := &Update{}
	for key, value := range doc {
		switch key {
		case "$set":
			m, err := asFieldMap(key, value)
			if err != nil {
				return nil, err
			}
			if err := rejectReserved(m); err != nil {
				return nil, err
			}
			u.Set = m
		case "$unset":
			fields, err := asUnsetFields(value)
			if err != nil {
				return nil, err
			}
			u.Unset = fields
		case "$inc":
			m, err := asNumberMap(key, value)
			if err != nil {
				return nil, err
			}
			u.Inc = m
		case "$mul":
			m, err := asNumberMap(key, value)
			if err != nil {
				return nil, err
			}
			u.Mul = m
		case "$push":
			m, err := asFieldMap(key, value)
			if err != nil {
				return nil, err
			}
			u.Push = m
		case "$pull":
			m, err := asFieldMap(key, value)
			if err != nil {
				return nil, err
			}
			u.Pull = m
		case "$addToSet":
			m, err := asFieldMap(key, value)
			if err != nil {
				return nil, err
			}
			u.AddToSet = m
		default:
			return nil, fmt.Errorf("%w: %q is not an update operator", ErrUnknownOperator, key)
		}
	}
	return u, nil
}

func asFieldMap(op string, value any) (map[string]any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a field map", ErrInvalidFilter, op)
	}
	return m, nil
}

func rejectReserved(m map[string]any) error {
	for field := range m {
		if _, err := parseFieldValue(field, nil, true); err != nil && errors.Is(err, ErrReservedField) {
			return err
		}
	}
	return nil
}

func asUnsetFields(value any) ([]string, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $unset expects a field map", ErrInvalidFilter)
	}
	fields := make([]string, 0, len(m))
	for field := range m {
		fields = append(fields, field)
	}
	return fields, nil
}

func asNumberMap(op string, value any) (map[string]float64, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a field map", ErrInvalidFilter, op)
	}
	out := make(map[string]float64, len(m))
	for field, v := range m {
		n, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s operand for %q", ErrNonNumeric, op, field)
		}
		out[field] = n
	}
	return out, nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Apply applies u to payload in place, following a fixed operator order
// (set, unset, inc, mul, push, pull, addToSet) so that repeated application
// is deterministic. Applying the same $set update twice is idempotent by
// construction (spec §8 round-trip law).
func Apply(u *Update, payload map[string]any) error {
	if u == nil {
		return nil
	}
	for field, value := range u.Set {
		if err := SetPath(payload, SplitPath(field), value); err != nil {
			return err
		}
	}
	for _, field := range u.Unset {
		DeletePath(payload, SplitPath(field))
	}
	for field, delta := range u.Inc {
		path := SplitPath(field)
		cur, ok := GetPath(payload, path)
		var base float64
		if ok {
			n, isNum := toFloat64(cur)
			if !isNum {
				return fmt.Errorf("%w: $inc on field %q", ErrNonNumeric, field)
			}
			base = n
		}
		if err := SetPath(payload, path, base+delta); err != nil {
			return err
		}
	}
	for field, factor := range u.Mul {
		path := SplitPath(field)
		cur, ok := GetPath(payload, path)
		var base float64
		if ok {
			n, isNum := toFloat64(cur)
			if !isNum {
				return fmt.Errorf("%w: $mul on field %q", ErrNonNumeric, field)
			}
			base = n
		}
		if err := SetPath(payload, path, base*factor); err != nil {
			return err
		}
	}
	for field, value := range u.Push {
		path := SplitPath(field)
		cur, ok := GetPath(payload, path)
		var arr []any
		if ok {
			a, isArr := cur.([]any)
			if !isArr {
				return fmt.Errorf("%w: $push on non-array field %q", ErrInvalidFilter, field)
			}
			arr = a
		}
		arr = append(arr, value)
		if err := SetPath(payload, path, arr); err != nil {
			return err
		}
	}
	for field, value := range u.Pull {
		path := SplitPath(field)
		cur, ok := GetPath(payload, path)
		if !ok {
			continue
		}
		arr, isArr := cur.([]any)
		if !isArr {
			return fmt.Errorf("%w: $pull on non-array field %q", ErrInvalidFilter, field)
		}
		filtered := arr[:0:0]
		for _, item := range arr {
			if !reflect.DeepEqual(item, value) {
				filtered = append(filtered, item)
			}
		}
		if err := SetPath(payload, path, filtered); err != nil {
			return err
		}
	}
	for field, value := range u.AddToSet {
		path := SplitPath(field)
		cur, ok := GetPath(payload, path)
		var arr []any
		if ok {
			a, isArr := cur.([]any)
			if !isArr {
				return fmt.Errorf("%w: $addToSet on non-array field %q", ErrInvalidFilter, field)
			}
			arr = a
		}
		present := false
		for _, item := range arr {
			if reflect.DeepEqual(item, value) {
				present = true
				break
			}
		}
		if !present {
			arr = append(arr, value)
		}
		if err := SetPath(payload, path, arr); err != nil {
			return err
		}
	}
	return nil
}
