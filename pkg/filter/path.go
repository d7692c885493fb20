package filter

import "strings"

// SplitPath splits a dot-separated field path into its segments.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// GetPath reads the value at path within doc. ok is false if any
// intermediate segment is missing or not a map, or the leaf is absent.
func GetPath(doc map[string]any, path []string) (any, bool) {
	cur := any(doc)
	for i, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, present := m[seg]
		if !present {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		cur = v
	}
	return nil, false
}

// SetPath assigns value at path within doc, creating intermediate objects
// as needed (spec 4.G: "$set ... intermediate missing objects are
// created"). It fails if an intermediate segment exists but isn't a map.
func SetPath(doc map[string]any, path []string, value any) error {
	if len(path) == 0 {
		return errDoc("empty path")
	}
	cur := doc
	for i, seg := range path[:len(path)-1] {
		next, present := cur[seg]
		if !present {
			created := map[string]any{}
			cur[seg] = created
			cur = created
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return errDoc("path segment " + joinUpTo(path, i+1) + " is not an object")
		}
		cur = m
	}
	cur[path[len(path)-1]] = value
	return nil
}

// DeletePath removes the leaf named by path, if present. It is a no-op if
// any intermediate segment is missing.
func DeletePath(doc map[string]any, path []string) {
	if len(path) == 0 {
		return
	}
	cur := doc
	for _, seg := range path[:len(path)-1] {
		next, present := cur[seg]
		if !present {
			return
		}
		m, ok := next.(map[string]any)
		if !ok {
			return
		}
		cur = m
	}
	delete(cur, path[len(path)-1])
}

func joinUpTo(path []string, n int) string {
	return strings.Join(path[:n], ".")
}

type docError string

func (e docError) Error() string { return "filter: " + string(e) }

func errDoc(msg string) error { return docError(msg) }
