package acl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kilndb/recordapi/sqlvalue"
)

// segment is one piece of a parsed rule: either a literal run of SQL
// text, or a reference to one magic identifier.
type segment struct {
	Literal string `json:"literal,omitempty"`
	Scope   string `json:"scope,omitempty"`
	Field   string `json:"field,omitempty"`
}

// Plan is a rule string parsed once into an ordered list of literal/
// reference segments. Parsing a rule is a handful of regexp passes;
// a registry entry's rule text never changes between requests, so
// Plan is the unit package cache persists - rendering a cached Plan
// against a fresh Context skips the parse entirely.
type Plan struct {
	Segments []segment `json:"segments"`
}

// identRe recognizes both the dotted form (_ROW_.col, binding a single
// column) and the bare form (a lone _REQ_FIELDS_, used only as the RHS
// of a membership test: 'col' IN _REQ_FIELDS_).
var identRe = regexp.MustCompile(`_(USER|REQ_FIELDS|REQ|ROW)_(?:\.([A-Za-z0-9_]+))?`)

// disallowed guards against a rule smuggling a second statement or a
// comment past the identifier rewriter; rules come from the registry,
// which is itself RBAC-gated, but the rewriter still treats rule text
// as untrusted input.
var disallowed = regexp.MustCompile(`;|--|/\*`)

// ParsePlan parses rule into a Plan. It does not consult any Context -
// parsing is purely syntactic.
func ParsePlan(rule string) (*Plan, error) {
	if disallowed.MatchString(rule) {
		return nil, fmt.Errorf("acl: rule contains a disallowed token")
	}
	if strings.TrimSpace(rule) == "" {
		return nil, fmt.Errorf("acl: empty rule")
	}

	var segments []segment
	last := 0
	for _, loc := range identRe.FindAllStringSubmatchIndex(rule, -1) {
		if loc[0] > last {
			segments = append(segments, segment{Literal: rule[last:loc[0]]})
		}
		scope := rule[loc[2]:loc[3]]
		var field string
		if loc[4] >= 0 && loc[5] >= 0 {
			field = rule[loc[4]:loc[5]]
		}
		segments = append(segments, segment{Scope: scope, Field: field})
		last = loc[1]
	}
	if last < len(rule) {
		segments = append(segments, segment{Literal: rule[last:]})
	}
	return &Plan{Segments: segments}, nil
}

// Render binds ctx's values into the plan, producing the final SQL
// boolean fragment plus its parameter bindings.
func (p *Plan) Render(ctx Context) (string, *sqlvalue.Params, error) {
	params := sqlvalue.NewParams()
	n := 0
	bind := func(v sqlvalue.Value) string {
		name := fmt.Sprintf("a__%d", n)
		n++
		params.Bind(name, v)
		return ":" + name
	}

	var b strings.Builder
	for _, seg := range p.Segments {
		if seg.Scope == "" {
			b.WriteString(seg.Literal)
			continue
		}

		switch seg.Scope {
		case "ROW":
			if ctx.RowAlias != "" {
				fmt.Fprintf(&b, `%s."%s"`, ctx.RowAlias, seg.Field)
			} else {
				fmt.Fprintf(&b, `"%s"`, seg.Field)
			}

		case "USER":
			if ctx.Identity.Table == "" || ctx.Identity.PKColumn == "" {
				return "", nil, fmt.Errorf("acl: rule references _USER_ but no identity table is configured")
			}
			ref := bind(ctx.Identity.UserID)
			fmt.Fprintf(&b, `(SELECT "%s" FROM "%s" WHERE "%s" = %s)`,
				seg.Field, ctx.Identity.Table, ctx.Identity.PKColumn, ref)

		case "REQ_FIELDS":
			if seg.Field == "" {
				// Bare _REQ_FIELDS_: the RHS of a membership test,
				// 'name' IN _REQ_FIELDS_. Render as the set of field
				// names the request actually supplied.
				names := make([]string, 0, len(ctx.ReqFields))
				for k := range ctx.ReqFields {
					names = append(names, k)
				}
				sort.Strings(names)
				encoded, err := json.Marshal(names)
				if err != nil {
					return "", nil, fmt.Errorf("acl: encode supplied field set: %w", err)
				}
				ref := bind(sqlvalue.Text(string(encoded)))
				fmt.Fprintf(&b, "(SELECT value FROM json_each(%s))", ref)
			} else if v, ok := ctx.ReqFields[seg.Field]; ok {
				b.WriteString(bind(v))
			} else {
				b.WriteString("NULL")
			}

		case "REQ":
			if v, ok := ctx.ReqMeta[seg.Field]; ok {
				b.WriteString(bind(v))
			} else {
				b.WriteString("NULL")
			}

		default:
			return "", nil, fmt.Errorf("acl: unknown magic identifier scope %q", seg.Scope)
		}
	}

	return b.String(), params, nil
}
