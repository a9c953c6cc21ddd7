package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/files"
	"github.com/kilndb/recordapi/filter"
	"github.com/kilndb/recordapi/recordapi"
	"github.com/kilndb/recordapi/schema"
	"github.com/kilndb/recordapi/sqlvalue"
)

// resolved bundles everything a single-API request needs once its
// {api} path segment has been looked up: the Definition, its backing
// table metadata, and the caller identity.
type resolved struct {
	def      *recordapi.Definition
	tm       *schema.TableMetadata
	identity Identity
}

func (s *Server) resolve(r *http.Request, op recordapi.Operation) (*resolved, error) {
	name := chi.URLParam(r, "api")
	def, ok := s.Registry.Get(name)
	if !ok {
		return nil, errAPINotFound
	}
	if !def.Allows(op) {
		return nil, errOperationDenied(string(op))
	}

	tm, ok := s.Schema.Table(def.Source)
	if !ok {
		// A simple view serves reads, listings and schema
		// introspection; anything that mutates still needs the base
		// table underneath.
		switch op {
		case recordapi.OpRead, recordapi.OpList, recordapi.OpSchema:
			tm, ok = s.Schema.ViewTable(def.Source)
		}
	}
	if !ok {
		return nil, newAPIError(http.StatusUnprocessableEntity, "ApiRequiresTable",
			withMessage(fmt.Sprintf("%q is not a base table with a record-eligible primary key", def.Source)))
	}

	id := IdentityFromContext(r.Context())
	if def.RequireAuth && id.Anonymous() {
		return nil, errUnauthorized
	}

	return &resolved{def: def, tm: tm, identity: id}, nil
}

func (s *Server) resolveExpand(res *resolved, r *http.Request, q *filter.Query) ([]recordapi.ExpandTarget, error) {
	var requested []string
	if q != nil {
		requested = q.Expand
	}
	expand, err := recordapi.ResolveExpand(res.tm, s.Schema, res.def.AllowedExpand, requested)
	if err != nil {
		return nil, errBadRequest(err)
	}
	return expand, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, recordapi.OpList)
	if err != nil {
		writeError(w, s.logf, err)
		return
	}

	q, err := filter.ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}
	if res.def.MaxLimit > 0 && q.Limit > res.def.MaxLimit {
		q.Limit = res.def.MaxLimit
	}

	expand, err := s.resolveExpand(res, r, q)
	if err != nil {
		writeError(w, s.logf, err)
		return
	}

	sqlText, params, err := recordapi.BuildList(r.Context(), s.ACLCompiler, res.tm, q, res.def.RuleFor(recordapi.OpList), res.identity.ACLIdentity(s.Identity), expand)
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}

	rows, err := s.DB.ReadQueryRows(r.Context(), sqlText, params.Args()...)
	if err != nil {
		writeError(w, s.logf, errInternal(err))
		return
	}

	records := make([]map[string]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		rec, err := recordapi.SplitExpandedRow(res.tm, row, expand)
		if err != nil {
			writeError(w, s.logf, errInternal(err))
			return
		}
		records = append(records, rec)
	}

	// The default PK-descending order is the only one that forms a
	// monotonic keyset: a cursor is only meaningful (and only emitted)
	// when the caller didn't override it with an explicit order.
	var nextCursor string
	if pkCol := res.tm.PKColumn(); pkCol != nil && len(q.Order) == 0 && len(rows) > 0 {
		if v, ok := rows[len(rows)-1].Get(pkCol.Name); ok {
			if sv, err := sqlvalue.FromDriver(v); err == nil {
				if enc, err := sqlvalue.EncodeID(sv); err == nil {
					nextCursor = enc
				}
			}
		}
	}

	var totalCount *int64
	if q.Count {
		countSQL, countParams, err := recordapi.BuildCount(r.Context(), s.ACLCompiler, res.tm, q, res.def.RuleFor(recordapi.OpList), res.identity.ACLIdentity(s.Identity))
		if err != nil {
			writeError(w, s.logf, errBadRequest(err))
			return
		}
		n, err := dbconn.ReadQueryValue[int64](r.Context(), s.DB, countSQL, countParams.Args()...)
		if err != nil {
			writeError(w, s.logf, errInternal(err))
			return
		}
		totalCount = &n
	}

	resp := struct {
		TotalCount *int64                       `json:"total_count,omitempty"`
		Records    []map[string]json.RawMessage `json:"records"`
		Cursor     string                       `json:"cursor,omitempty"`
	}{TotalCount: totalCount, Records: records, Cursor: nextCursor}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, recordapi.OpRead)
	if err != nil {
		writeError(w, s.logf, err)
		return
	}

	pk, err := decodePK(res.tm, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}

	q, err := filter.ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}
	expand, err := s.resolveExpand(res, r, q)
	if err != nil {
		writeError(w, s.logf, err)
		return
	}

	sqlText, params, err := recordapi.BuildReadByPK(r.Context(), s.ACLCompiler, res.tm, pk, res.def.RuleFor(recordapi.OpRead), res.identity.ACLIdentity(s.Identity), expand)
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}

	rows, err := s.DB.ReadQueryRows(r.Context(), sqlText, params.Args()...)
	if err != nil {
		writeError(w, s.logf, errInternal(err))
		return
	}
	if len(rows) == 0 {
		writeError(w, s.logf, errRecordNotFound)
		return
	}

	rec, err := recordapi.SplitExpandedRow(res.tm, rows[0], expand)
	if err != nil {
		writeError(w, s.logf, errInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, recordapi.OpCreate)
	if err != nil {
		writeError(w, s.logf, err)
		return
	}

	lp, uploads, err := recordapi.DecodeRequest(r, res.tm)
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}
	if err := lp.Validate(res.def.ExcludedColumns, true); err != nil {
		writeError(w, s.logf, errValidation(err))
		return
	}
	if res.def.InsertAutofillMissingUserIDColumns && !res.identity.Anonymous() {
		lp.AutofillUserID(res.identity.UserID)
	}

	minted, err := recordapi.ApplyFileUploads(r.Context(), res.tm, lp, s.Files, uploads)
	if err != nil {
		writeError(w, s.logf, errInternal(err))
		return
	}

	fields, err := lp.Fields()
	if err != nil {
		recordapi.ForgetAll(r.Context(), s.Files, minted)
		writeError(w, s.logf, errBadRequest(err))
		return
	}

	allowed, err := s.evaluateCreate(r.Context(), res, fields)
	if err != nil {
		recordapi.ForgetAll(r.Context(), s.Files, minted)
		writeError(w, s.logf, errInternal(err))
		return
	}
	if !allowed {
		recordapi.ForgetAll(r.Context(), s.Files, minted)
		writeError(w, s.logf, errForbidden)
		return
	}

	sqlText, params, err := recordapi.BuildInsert(res.tm, lp, res.def.ConflictResolution)
	if err != nil {
		recordapi.ForgetAll(r.Context(), s.Files, minted)
		writeError(w, s.logf, errBadRequest(err))
		return
	}

	rows, err := s.DB.WriteQueryRows(r.Context(), sqlText, params.Args()...)
	if err != nil {
		recordapi.ForgetAll(r.Context(), s.Files, minted)
		writeError(w, s.logf, classifyWriteError(err))
		return
	}
	if len(rows) == 0 {
		// INSERT OR IGNORE silently dropped the row.
		recordapi.ForgetAll(r.Context(), s.Files, minted)
		writeJSON(w, http.StatusOK, struct {
			IDs []string `json:"ids"`
		}{IDs: []string{}})
		return
	}

	pkCol := res.tm.PKColumn()
	var id string
	if pkCol != nil {
		if v, ok := rows[0].Get(pkCol.Name); ok {
			if sv, err := sqlvalue.FromDriver(v); err == nil {
				id, _ = sqlvalue.EncodeID(sv)
			}
		}
	}

	writeJSON(w, http.StatusOK, struct {
		IDs []string `json:"ids"`
	}{IDs: []string{id}})
}

// evaluateCreate checks the create rule standalone (package acl has no
// existing row to fold the predicate into for an INSERT), on the same
// writer connection the INSERT itself will use immediately after, so
// the decision and the write observe the same transaction snapshot.
func (s *Server) evaluateCreate(ctx context.Context, res *resolved, fields map[string]sqlvalue.Value) (bool, error) {
	v, err := s.DB.Call(ctx, func(conn *sql.Conn) (any, error) {
		return acl.Evaluate(ctx, conn, res.def.RuleFor(recordapi.OpCreate), acl.Context{
			Identity:  res.identity.ACLIdentity(s.Identity),
			ReqFields: fields,
		})
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, recordapi.OpUpdate)
	if err != nil {
		writeError(w, s.logf, err)
		return
	}

	pk, err := decodePK(res.tm, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}

	lp, uploads, err := recordapi.DecodeRequest(r, res.tm)
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}
	if err := lp.Validate(res.def.ExcludedColumns, false); err != nil {
		writeError(w, s.logf, errValidation(err))
		return
	}

	minted, err := recordapi.ApplyFileUploads(r.Context(), res.tm, lp, s.Files, uploads)
	if err != nil {
		writeError(w, s.logf, errInternal(err))
		return
	}

	row, err := recordapi.ApplyUpdate(r.Context(), s.DB, s.ACLCompiler, res.tm, pk, lp, res.def.RuleFor(recordapi.OpUpdate), res.identity.ACLIdentity(s.Identity), nil)
	if err != nil {
		recordapi.ForgetAll(r.Context(), s.Files, minted)
		writeError(w, s.logf, classifyWriteError(err))
		return
	}
	if row == nil {
		recordapi.ForgetAll(r.Context(), s.Files, minted)
		writeError(w, s.logf, errRecordNotFound)
		return
	}

	rec, err := recordapi.EncodeRecord(recordapi.RowFromMap(row))
	if err != nil {
		writeError(w, s.logf, errInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, recordapi.OpDelete)
	if err != nil {
		writeError(w, s.logf, err)
		return
	}

	pk, err := decodePK(res.tm, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}

	row, err := recordapi.ApplyDelete(r.Context(), s.DB, s.ACLCompiler, res.tm, pk, res.def.RuleFor(recordapi.OpDelete), res.identity.ACLIdentity(s.Identity))
	if err != nil {
		writeError(w, s.logf, errInternal(err))
		return
	}
	if row == nil {
		writeError(w, s.logf, errRecordNotFound)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		IDs []string `json:"ids"`
	}{IDs: []string{chi.URLParam(r, "id")}})
}

// columnSchema is the wire shape of one TableMetadata column exposed
// through the schema-introspection endpoint.
type columnSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	NotNull  bool   `json:"not_null"`
	JSONKind string `json:"json_kind,omitempty"`
	IsFile   bool   `json:"is_file"`
}

func jsonKindName(k schema.JSONSchemaKind) string {
	switch k {
	case schema.JSONUserSchema:
		return "user_schema"
	case schema.JSONFileUpload:
		return "std.FileUpload"
	case schema.JSONFileUploads:
		return "std.FileUploads"
	default:
		return ""
	}
}

// handleSchema answers the column shape of one configured Record API -
// the self-service counterpart to the admin-only `/api/admin/v1/apis`
// listing: a Definition opts in by listing OpSchema among its
// Operations, and its own `schema` rule (only _USER_ may appear in it)
// decides which callers may see it, independent of the coarse
// admin-route RBAC guard.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, recordapi.OpSchema)
	if err != nil {
		writeError(w, s.logf, err)
		return
	}

	allowed, err := s.evaluateSchema(r.Context(), res)
	if err != nil {
		writeError(w, s.logf, errInternal(err))
		return
	}
	if !allowed {
		writeError(w, s.logf, errForbidden)
		return
	}

	cols := make([]columnSchema, len(res.tm.Table.Columns))
	for i, c := range res.tm.Table.Columns {
		cols[i] = columnSchema{
			Name:     c.Name,
			Type:     c.DeclType,
			NotNull:  c.Options.NotNull,
			JSONKind: jsonKindName(res.tm.JSONMetadata[i].Kind),
			IsFile:   res.tm.JSONMetadata[i].IsFileColumn(),
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Source  string         `json:"source"`
		Columns []columnSchema `json:"columns"`
	}{Source: res.def.Source, Columns: cols})
}

// evaluateSchema checks the schema rule standalone, the same way
// evaluateCreate checks the create rule: there is no row to fold the
// predicate into for a pure introspection read.
func (s *Server) evaluateSchema(ctx context.Context, res *resolved) (bool, error) {
	v, err := s.DB.Call(ctx, func(conn *sql.Conn) (any, error) {
		return acl.Evaluate(ctx, conn, res.def.RuleFor(recordapi.OpSchema), acl.Context{
			Identity: res.identity.ACLIdentity(s.Identity),
		})
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// handleFileDownload streams the blob a file column references back as
// the HTTP response body. The row is fetched through the same
// ACL-gated read statement handleRead uses, so a caller who may not
// read a row may not fetch its files either. A std.FileUploads column
// addresses individual entries with a trailing index path segment;
// without one the first entry is served.
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, recordapi.OpRead)
	if err != nil {
		writeError(w, s.logf, err)
		return
	}

	pk, err := decodePK(res.tm, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}

	column := chi.URLParam(r, "column")
	colIdx := res.tm.Table.ColumnIndex(column)
	if colIdx < 0 || !res.tm.JSONMetadata[colIdx].IsFileColumn() {
		writeError(w, s.logf, errBadRequest(fmt.Errorf("%q is not a file column", column)))
		return
	}

	sqlText, params, err := recordapi.BuildReadByPK(r.Context(), s.ACLCompiler, res.tm, pk, res.def.RuleFor(recordapi.OpRead), res.identity.ACLIdentity(s.Identity), nil)
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}
	rows, err := s.DB.ReadQueryRows(r.Context(), sqlText, params.Args()...)
	if err != nil {
		writeError(w, s.logf, errInternal(err))
		return
	}
	if len(rows) == 0 {
		writeError(w, s.logf, errRecordNotFound)
		return
	}

	raw, _ := rows[0].Get(column)
	text, _ := raw.(string)
	if text == "" {
		writeError(w, s.logf, errRecordNotFound)
		return
	}

	var refs []files.Reference
	switch res.tm.JSONMetadata[colIdx].Kind {
	case schema.JSONFileUpload:
		var ref files.Reference
		if err := json.Unmarshal([]byte(text), &ref); err != nil {
			writeError(w, s.logf, errInternal(err))
			return
		}
		refs = []files.Reference{ref}
	case schema.JSONFileUploads:
		if err := json.Unmarshal([]byte(text), &refs); err != nil {
			writeError(w, s.logf, errInternal(err))
			return
		}
	}

	index := 0
	if seg := chi.URLParam(r, "index"); seg != "" {
		index, err = strconv.Atoi(seg)
		if err != nil || index < 0 {
			writeError(w, s.logf, errBadRequest(fmt.Errorf("invalid file index %q", seg)))
			return
		}
	}
	if index >= len(refs) {
		writeError(w, s.logf, errRecordNotFound)
		return
	}
	ref := refs[index]

	data, meta, err := s.Files.Download(r.Context(), ref)
	if err != nil {
		if errors.Is(err, files.ErrNotFound) {
			writeError(w, s.logf, errRecordNotFound)
			return
		}
		writeError(w, s.logf, errInternal(err))
		return
	}

	contentType := ref.ContentType
	if contentType == "" {
		contentType = meta.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if ref.OriginalFilename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ref.OriginalFilename))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func decodePK(tm *schema.TableMetadata, raw string) (sqlvalue.Value, error) {
	pkCol := tm.PKColumn()
	if pkCol == nil {
		return sqlvalue.Value{}, fmt.Errorf("table %s has no record-eligible primary key", tm.Table.QualifiedName())
	}
	return sqlvalue.DecodeID(pkCol.Affinity, raw)
}
