package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/kilndb/recordapi/recordapi"
	"github.com/kilndb/recordapi/sqlvalue"
)

// txnOp is one entry of a transaction batch's request body: { op, api_name, value?, record_id? }. Op is one of
// "create"/"update"/"delete".
type txnOp struct {
	Op       string          `json:"op"`
	APIName  string          `json:"api_name"`
	Value    json.RawMessage `json:"value,omitempty"`
	RecordID string          `json:"record_id,omitempty"`
}

type txnRequest struct {
	Operations []txnOp `json:"operations"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}
	var req txnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, s.logf, errBadRequest(fmt.Errorf("request body must be a JSON object with an operations array: %w", err)))
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, s.logf, errBadRequest(fmt.Errorf("operations must not be empty")))
		return
	}
	if len(req.Operations) > recordapi.MaxBatchOps {
		writeError(w, s.logf, errBadRequest(fmt.Errorf("batch of %d ops exceeds the limit of %d", len(req.Operations), recordapi.MaxBatchOps)))
		return
	}

	identity := IdentityFromContext(r.Context())
	ops := make([]recordapi.BatchOp, 0, len(req.Operations))
	isCreate := make([]bool, len(req.Operations))

	for i, o := range req.Operations {
		def, ok := s.Registry.Get(o.APIName)
		if !ok {
			writeError(w, s.logf, newAPIError(http.StatusBadRequest, "ApiNotFound", withMessage("operation "+fmt.Sprint(i)+": unknown api "+o.APIName)))
			return
		}

		var op recordapi.Operation
		switch strings.ToLower(o.Op) {
		case "create":
			op = recordapi.OpCreate
			isCreate[i] = true
		case "update":
			op = recordapi.OpUpdate
		case "delete":
			op = recordapi.OpDelete
		default:
			writeError(w, s.logf, errBadRequest(fmt.Errorf("operation %d: unknown op %q", i, o.Op)))
			return
		}
		if !def.Allows(op) {
			writeError(w, s.logf, errOperationDenied(string(op)))
			return
		}
		if def.RequireAuth && identity.Anonymous() {
			writeError(w, s.logf, errUnauthorized)
			return
		}

		tm, ok := s.Schema.Table(def.Source)
		if !ok {
			writeError(w, s.logf, newAPIError(http.StatusUnprocessableEntity, "ApiRequiresTable",
				withMessage(fmt.Sprintf("%q is not a base table with a record-eligible primary key", def.Source))))
			return
		}

		batchOp := recordapi.BatchOp{Definition: def, Table: tm, Op: op, Body: o.Value}
		if op != recordapi.OpCreate {
			pk, err := decodePK(tm, o.RecordID)
			if err != nil {
				writeError(w, s.logf, errBadRequest(fmt.Errorf("operation %d: %w", i, err)))
				return
			}
			batchOp.PK = pk
		}
		ops = append(ops, batchOp)
	}

	results, err := recordapi.RunBatch(r.Context(), s.DB, s.ACLCompiler, identity.ACLIdentity(s.Identity), ops)
	if err != nil {
		writeError(w, s.logf, classifyBatchError(err))
		return
	}

	ids := make([]string, 0, len(results))
	for i, res := range results {
		if !isCreate[i] || res.Row == nil {
			continue
		}
		pkCol := ops[i].Table.PKColumn()
		if pkCol == nil {
			continue
		}
		v, ok := res.Row[pkCol.Name]
		if !ok {
			continue
		}
		sv, err := sqlvalue.FromDriver(v)
		if err != nil {
			continue
		}
		id, err := sqlvalue.EncodeID(sv)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	writeJSON(w, http.StatusOK, struct {
		IDs []string `json:"ids"`
	}{IDs: ids})
}

// classifyBatchError maps RunBatch's wrapped per-op error back onto
// an HTTP status. RunBatch rolls the whole transaction back on the
// first failing op, so there is exactly one cause to classify.
func classifyBatchError(err error) error {
	msg := err.Error()
	var serr sqlite3.Error
	switch {
	case strings.Contains(msg, "not found"):
		return newAPIError(http.StatusNotFound, "NotFound", withErr(err))
	case strings.Contains(msg, "denied"):
		return newAPIError(http.StatusForbidden, "Forbidden", withErr(err))
	case errors.As(err, &serr):
		// SQLite constraint and IO failures are server-side errors.
		return errInternal(err)
	default:
		return errBadRequest(err)
	}
}
