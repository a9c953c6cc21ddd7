package recordapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kilndb/recordapi/files"
	"github.com/kilndb/recordapi/schema"
	"github.com/kilndb/recordapi/sqlvalue"
)

// maxMultipartMemory bounds how much of a multipart request body
// ParseMultipartForm buffers in memory before spilling file parts to
// temp files.
const maxMultipartMemory = 32 << 20

// DecodeRequest reads a create/update request body - JSON object,
// URL-encoded form, or multipart - into a LazyParams plus any
// multipart file parts.
func DecodeRequest(r *http.Request, tm *schema.TableMetadata) (*LazyParams, []files.Upload, error) {
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return nil, nil, fmt.Errorf("recordapi: parse multipart form: %w", err)
		}
		lp, err := NewLazyParamsFromValues(tm, r.MultipartForm.Value)
		if err != nil {
			return nil, nil, err
		}

		var uploads []files.Upload
		for name, headers := range r.MultipartForm.File {
			for _, h := range headers {
				f, err := h.Open()
				if err != nil {
					return nil, nil, fmt.Errorf("recordapi: open multipart file %q: %w", name, err)
				}
				b, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					return nil, nil, fmt.Errorf("recordapi: read multipart file %q: %w", name, err)
				}
				if len(b) == 0 {
					continue // empty-body file part: an unselected <input type=file>
				}
				uploads = append(uploads, files.Upload{
					Name: name, Filename: h.Filename, ContentType: h.Header.Get("Content-Type"), Bytes: b,
				})
			}
		}
		return lp, uploads, nil

	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		if err := r.ParseForm(); err != nil {
			return nil, nil, fmt.Errorf("recordapi: parse form: %w", err)
		}
		lp, err := NewLazyParamsFromValues(tm, r.PostForm)
		return lp, nil, err

	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("recordapi: read request body: %w", err)
		}
		lp, err := NewLazyParams(tm, body)
		return lp, nil, err
	}
}

// NewLazyParamsFromValues builds a LazyParams from already-decoded
// form values: a single value per key becomes a JSON string, repeated
// names coerce into a JSON array.
func NewLazyParamsFromValues(tm *schema.TableMetadata, values url.Values) (*LazyParams, error) {
	raw := make(map[string]json.RawMessage, len(values))
	for k, vs := range values {
		var b []byte
		var err error
		if len(vs) == 1 {
			b, err = json.Marshal(vs[0])
		} else {
			b, err = json.Marshal(vs)
		}
		if err != nil {
			return nil, err
		}
		raw[k] = b
	}
	return &LazyParams{tm: tm, raw: raw, cache: make(map[string]sqlvalue.Value)}, nil
}

// LazyParams decodes a create/update request body's JSON fields into
// sqlvalue.Values against a table's declared column types, deferring the decode until a field is actually referenced -
// an ACL rule over _REQ_FIELDS_ only ever touches a handful of the
// submitted fields, and decoding the rest would be wasted work for
// large payloads.
type LazyParams struct {
	tm    *schema.TableMetadata
	raw   map[string]json.RawMessage
	cache map[string]sqlvalue.Value
}

// NewLazyParams parses the top-level JSON object in body; it does not
// decode any field value yet.
func NewLazyParams(tm *schema.TableMetadata, body []byte) (*LazyParams, error) {
	var raw map[string]json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("recordapi: request body must be a JSON object: %w", err)
		}
	}
	return &LazyParams{tm: tm, raw: raw, cache: make(map[string]sqlvalue.Value)}, nil
}

// Has reports whether the request body named field at all (including
// an explicit JSON null), or a value was minted for it via SetValue.
func (p *LazyParams) Has(field string) bool {
	if _, ok := p.raw[field]; ok {
		return true
	}
	_, ok := p.cache[field]
	return ok
}

// SetValue injects an already-typed value for field, bypassing JSON
// coercion entirely - used for values the request body didn't supply
// but the pipeline mints on the caller's behalf: autofilled user-id
// columns and freshly written file references.
func (p *LazyParams) SetValue(field string, v sqlvalue.Value) {
	if p.cache == nil {
		p.cache = make(map[string]sqlvalue.Value)
	}
	p.cache[field] = v
}

// Get decodes and caches field's value, coercing it against the
// column's declared affinity. Returns sqlvalue.Null and ok=false when
// the field was absent from the request body.
func (p *LazyParams) Get(field string) (sqlvalue.Value, bool, error) {
	if v, ok := p.cache[field]; ok {
		return v, true, nil
	}
	raw, ok := p.raw[field]
	if !ok {
		return sqlvalue.Null(), false, nil
	}

	ct := sqlvalue.ColumnUnknown
	if idx := p.tm.Table.ColumnIndex(field); idx >= 0 {
		ct = p.tm.Table.Columns[idx].Affinity

		// A JSON-typed column accepts a structured body value - a
		// FileUpload object, a FileUploads array, a user-schema
		// document - as the column's JSON text verbatim, rather than
		// forcing clients to double-encode it as a string.
		if p.tm.JSONMetadata[idx].Kind != schema.JSONNone {
			if t := strings.TrimSpace(string(raw)); strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
				v := sqlvalue.Text(t)
				p.cache[field] = v
				return v, true, nil
			}
		}
	}
	v, err := sqlvalue.FromJSONFlat(ct, raw)
	if err != nil {
		return sqlvalue.Value{}, false, fmt.Errorf("recordapi: field %q: %w", field, err)
	}
	p.cache[field] = v
	return v, true, nil
}

// Fields materializes every submitted field eagerly, used to build the
// _REQ_FIELDS_ binding map an ACL rule may reference in full.
func (p *LazyParams) Fields() (map[string]sqlvalue.Value, error) {
	out := make(map[string]sqlvalue.Value, len(p.raw))
	for field := range p.raw {
		v, _, err := p.Get(field)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, nil
}

// WritableColumns returns, in table-column order, the columns the
// request body named - the set a generated INSERT/UPDATE will bind.
func (p *LazyParams) WritableColumns() []string {
	var cols []string
	for _, col := range p.tm.Table.Columns {
		if p.Has(col.Name) {
			cols = append(cols, col.Name)
		}
	}
	return cols
}

// Validate checks the submitted fields against excludedColumns and, for
// a create (requireAll), against every NOT NULL column lacking a
// DEFAULT: unknown or excluded fields fail the request, as does a
// create missing a column no default can fill.
func (p *LazyParams) Validate(excludedColumns map[string]bool, requireAll bool) error {
	for field := range p.raw {
		idx := p.tm.Table.ColumnIndex(field)
		if idx < 0 {
			return fmt.Errorf("recordapi: unknown field %q", field)
		}
		if excludedColumns[field] {
			return fmt.Errorf("recordapi: field %q is excluded from this API", field)
		}
	}
	if !requireAll {
		return nil
	}
	pkCol := p.tm.PKColumn()
	for _, col := range p.tm.Table.Columns {
		if pkCol != nil && col.Name == pkCol.Name {
			continue // absent BLOB PKs are generated; absent INTEGER PKs autoincrement
		}
		if excludedColumns[col.Name] {
			continue
		}
		if col.Options.NotNull && !col.Options.HasDefault && !p.Has(col.Name) {
			return fmt.Errorf("recordapi: missing required field %q", col.Name)
		}
	}
	return nil
}

// AutofillUserID fills every configured user-id column the request
// omitted with userID, when the API permits it and the caller is
// authenticated.
func (p *LazyParams) AutofillUserID(userID sqlvalue.Value) {
	for _, idx := range p.tm.UserIDColumns {
		col := p.tm.Table.Columns[idx].Name
		if !p.Has(col) {
			p.SetValue(col, userID)
		}
	}
}
