package filter

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// OrderTerm is one dimension of an `order=` clause.
type OrderTerm struct {
	Column string
	Desc   bool
}

// Query is the fully parsed request-query shape for a list operation.
type Query struct {
	Filter Expr
	Order  []OrderTerm
	Expand []string
	Cursor string // opaque; decoded against the PK column type by the query builder
	Offset int
	Limit  int
	Count  bool
}

const (
	DefaultLimit = 30
	MaxLimit     = 500
	maxOrderDims = 5
	maxExpands   = 5
)

var bracketSegmentRe = regexp.MustCompile(`\[([^\[\]]*)\]`)
var bracketShapeRe = regexp.MustCompile(`^(\[[^\[\]]*\])*$`)

// ParseQuery parses a full list-operation query string into a Query.
func ParseQuery(values url.Values) (*Query, error) {
	q := &Query{Limit: DefaultLimit}

	filterExpr, err := ParseFilter(values)
	if err != nil {
		return nil, err
	}
	q.Filter = filterExpr

	if raw := values.Get("order"); raw != "" {
		order, err := parseOrder(raw)
		if err != nil {
			return nil, err
		}
		q.Order = order
	}

	if raw := values.Get("expand"); raw != "" {
		expand, err := parseExpand(raw)
		if err != nil {
			return nil, err
		}
		q.Expand = expand
	}

	q.Cursor = values.Get("cursor")

	if raw := values.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("filter: invalid offset %q", raw)
		}
		if q.Cursor != "" && n != 0 {
			return nil, fmt.Errorf("filter: offset and cursor are mutually exclusive")
		}
		q.Offset = n
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("filter: invalid limit %q", raw)
		}
		if n > MaxLimit {
			n = MaxLimit
		}
		q.Limit = n
	}

	if raw := values.Get("count"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("filter: invalid count %q", raw)
		}
		q.Count = b
	}

	return q, nil
}

// ParseFilter reads every `filter[...]` key out of values and compiles
// the PHP-style bracket tree they describe into an Expr. Sibling keys
// at any nesting level are implicitly AND-ed together.
func ParseFilter(values url.Values) (Expr, error) {
	tree := map[string]any{}
	found := false

	// url.Values iteration order is random; sort keys so that repeated
	// inserts into the tree are deterministic.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key != "filter" && !strings.HasPrefix(key, "filter[") {
			continue
		}
		rest := strings.TrimPrefix(key, "filter")
		if rest == "" {
			continue
		}
		if !bracketShapeRe.MatchString(rest) {
			return nil, fmt.Errorf("filter: malformed key %q", key)
		}
		segs := bracketSegmentRe.FindAllStringSubmatch(rest, -1)
		path := make([]string, 0, len(segs))
		for _, m := range segs {
			path = append(path, m[1])
		}
		if len(path) == 0 {
			continue
		}
		if len(path) > maxDepth {
			return nil, fmt.Errorf("filter: nesting depth exceeds %d at key %q", maxDepth, key)
		}
		for _, v := range values[key] {
			insert(tree, path, v)
			found = true
		}
	}

	if !found {
		return nil, nil
	}
	return buildExprFromMap(tree)
}

func insert(tree map[string]any, path []string, value string) {
	cur := tree
	for i, seg := range path {
		if i == len(path)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildExprFromMap(tree map[string]any) (Expr, error) {
	var parts []Expr

	for _, k := range sortedKeys(tree) {
		v := tree[k]
		switch k {
		case "$and", "$or":
			seq, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("filter: %s must be a sequence", k)
			}
			children, err := buildSequence(seq)
			if err != nil {
				return nil, err
			}
			if len(children) < 2 {
				return nil, fmt.Errorf("filter: %s requires at least 2 children", k)
			}
			if k == "$and" {
				parts = append(parts, &And{Children: children})
			} else {
				parts = append(parts, &Or{Children: children})
			}

		default:
			if !columnNameRe.MatchString(k) {
				return nil, fmt.Errorf("filter: invalid column name %q", k)
			}
			switch val := v.(type) {
			case string:
				parts = append(parts, &Comparison{Column: k, Op: OpEq, Value: val})
			case map[string]any:
				for _, opKey := range sortedKeys(val) {
					opStr, ok := val[opKey].(string)
					if !ok {
						return nil, fmt.Errorf("filter: operator value for %s.%s must be scalar", k, opKey)
					}
					op := Op(opKey)
					if !validOp(op) {
						return nil, fmt.Errorf("filter: unsupported operator %q on column %q", opKey, k)
					}
					parts = append(parts, &Comparison{Column: k, Op: op, Value: opStr})
				}
			default:
				return nil, fmt.Errorf("filter: unexpected shape for column %q", k)
			}
		}
	}

	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	default:
		return &And{Children: parts}, nil
	}
}

func buildSequence(seq map[string]any) ([]Expr, error) {
	indices := make([]int, 0, len(seq))
	for k := range seq {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("filter: sequence index %q is not numeric", k)
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)

	children := make([]Expr, 0, len(indices))
	for _, idx := range indices {
		childMap, ok := seq[strconv.Itoa(idx)].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("filter: sequence element %d must be an object", idx)
		}
		e, err := buildExprFromMap(childMap)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, fmt.Errorf("filter: sequence element %d is empty", idx)
		}
		children = append(children, e)
	}
	return children, nil
}

func parseOrder(raw string) ([]OrderTerm, error) {
	fields := strings.Split(raw, ",")
	if len(fields) > maxOrderDims {
		return nil, fmt.Errorf("filter: order lists at most %d columns", maxOrderDims)
	}
	terms := make([]OrderTerm, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		term := OrderTerm{}
		switch f[0] {
		case '-':
			term.Desc = true
			term.Column = f[1:]
		case '+':
			term.Column = f[1:]
		default:
			term.Column = f
		}
		if !columnNameRe.MatchString(term.Column) {
			return nil, fmt.Errorf("filter: invalid order column %q", term.Column)
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func parseExpand(raw string) ([]string, error) {
	fields := strings.Split(raw, ",")
	if len(fields) > maxExpands {
		return nil, fmt.Errorf("filter: expand lists at most %d relations", maxExpands)
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		for _, seg := range strings.Split(f, ".") {
			if !columnNameRe.MatchString(seg) {
				return nil, fmt.Errorf("filter: invalid expand path %q", f)
			}
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}
