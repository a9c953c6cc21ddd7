package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kilndb/recordapi/recordapi"
	"github.com/kilndb/recordapi/sqlvalue"
)

// adminDomain is the single casbin domain this platform enforces
// registry RBAC under - a future multi-tenant build would key this
// off the request instead.
const adminDomain = "default"

// subjectFor picks the casbin subject for an authenticated caller: the
// email if the consumed identity carries one, otherwise the encoded
// user id. Anonymous callers never reach adminGuard's policy check.
func subjectFor(id Identity) string {
	if id.Email != "" {
		return id.Email
	}
	encoded, err := sqlvalue.EncodeID(id.UserID)
	if err != nil {
		return ""
	}
	return encoded
}

// adminGuard wraps an admin handler with an RBAC check against the
// coarse registry-administration enforcer (casbin sits above the
// per-row SQL ACL compiler here). A nil Enforcer denies every admin
// request - there is no "RBAC disabled" mode.
func (s *Server) adminGuard(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id.Anonymous() {
			writeError(w, s.logf, errUnauthorized)
			return
		}
		if s.RBAC == nil {
			writeError(w, s.logf, errForbidden)
			return
		}

		subject := subjectFor(id)
		var allowed bool
		var err error
		switch action {
		case "api:update":
			allowed, err = s.RBAC.IsUpdateAllowed(subject, adminDomain)
		case "api:delete":
			allowed, err = s.RBAC.IsDeleteAllowed(subject, adminDomain)
		case "api:read":
			allowed, err = s.RBAC.IsReadAllowed(subject, adminDomain)
		}
		if err != nil {
			writeError(w, s.logf, errInternal(err))
			return
		}
		if !allowed {
			writeError(w, s.logf, errForbidden)
			return
		}

		next(w, r)
	}
}

// definitionsBody is the request body for the config hot-reload
// endpoint: the Record API definitions to create or replace. All of
// them are validated before any is persisted; each is then persisted
// by its own Registry.Put, so a Put that fails part-way leaves the
// earlier ones applied, and definitions not named in the body are
// kept as they are.
type definitionsBody struct {
	Definitions []*recordapi.Definition `json:"definitions"`
}

type validationFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// handleAdminConfigUpdate validates every definition in the request
// before persisting any of them: a single bad Definition must not
// leave the registry half-updated.
func (s *Server) handleAdminConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var body definitionsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.logf, errBadRequest(err))
		return
	}

	var failures []validationFailure
	validated := make([]*recordapi.Definition, 0, len(body.Definitions))
	for _, def := range body.Definitions {
		if err := s.Registry.Validate(def); err != nil {
			failures = append(failures, validationFailure{Name: def.Name, Error: err.Error()})
			continue
		}
		validated = append(validated, def)
	}

	if len(failures) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"failures": failures})
		return
	}

	ctx := r.Context()
	for _, def := range validated {
		if err := s.Registry.Put(ctx, def); err != nil {
			writeError(w, s.logf, errInternal(err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"applied": len(validated)})
}

// handleAdminListAPIs is the minimal operational introspection an
// operator needs given the admin UI itself is out of scope: the live
// Record API Registry snapshot, one entry per configured name.
func (s *Server) handleAdminListAPIs(w http.ResponseWriter, r *http.Request) {
	defs := s.Registry.List()
	type entry struct {
		Name       string                `json:"name"`
		Source     string                `json:"source"`
		Operations []recordapi.Operation `json:"operations"`
		MaxLimit   int                   `json:"max_limit"`
	}
	out := make([]entry, 0, len(defs))
	for _, d := range defs {
		out = append(out, entry{Name: d.Name, Source: d.Source, Operations: d.Operations, MaxLimit: d.MaxLimit})
	}
	writeJSON(w, http.StatusOK, map[string]any{"apis": out})
}

// mountAdmin attaches the operator admin routes behind adminGuard.
// Servers that never set RBAC still get the routes mounted - they
// answer 401 to anonymous callers and 403 to every authenticated one
// (fail closed).
func (s *Server) mountAdmin(r interface {
	Post(pattern string, h http.HandlerFunc)
	Get(pattern string, h http.HandlerFunc)
}) {
	r.Post("/api/admin/v1/config", s.adminGuard("api:update", s.handleAdminConfigUpdate))
	r.Get("/api/admin/v1/apis", s.adminGuard("api:read", s.handleAdminListAPIs))
}
