package sqlvalue

import (
	"database/sql"
	"strings"
)

// Params is an ordered bag of named bind values. Query builders append
// to it as they compose SQL; the access-rule compiler and the
// connection manager both consume it via Args.
type Params struct {
	names  []string
	values []Value
}

// NewParams builds an empty, ready-to-append Params set.
func NewParams() *Params {
	return &Params{}
}

// Bind appends a named parameter. Names are bound without a leading
// ':' or '@' - callers add the sigil when composing SQL text.
func (p *Params) Bind(name string, v Value) {
	p.names = append(p.names, name)
	p.values = append(p.values, v)
}

// Merge appends every binding from other, in order. Used to combine
// the row's own bound values with the ACL fragment's _USER_/_REQ_
// bindings when both land in one statement.
func (p *Params) Merge(other *Params) {
	if other == nil {
		return
	}
	p.names = append(p.names, other.names...)
	p.values = append(p.values, other.values...)
}

// Len reports how many bindings have been collected.
func (p *Params) Len() int { return len(p.names) }

// Args renders the bindings as database/sql named arguments. Every
// builder in this repository binds lazily - a placeholder is only
// minted when its value lands in the SQL text - so the rendered
// statement references exactly the names collected here.
func (p *Params) Args() []any {
	args := make([]any, 0, len(p.names))
	for i, name := range p.names {
		args = append(args, sql.Named(strings.TrimPrefix(name, ":"), p.values[i]))
	}
	return args
}

// Positional renders the bindings as a plain ordered slice, for
// statements built entirely from positional '?' placeholders (the
// filter grammar compiles to these).
func (p *Params) Positional() []any {
	args := make([]any, 0, len(p.values))
	for _, v := range p.values {
		args = append(args, v)
	}
	return args
}
