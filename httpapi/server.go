// Package httpapi is the Record API's HTTP surface: a chi router
// mounting one collection+item route pair per configured Record API
// name, plus the batch transaction endpoint, translating internal
// errors into status codes the same way the rest of the stack's JSON
// APIs report failures.
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/config"
	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/files"
	"github.com/kilndb/recordapi/rbac"
	"github.com/kilndb/recordapi/recordapi"
	"github.com/kilndb/recordapi/schema"
)

// Server wires the Record API Registry, schema cache, connection
// manager, and file manager into one HTTP handler.
type Server struct {
	Registry    *recordapi.Registry
	Schema      *schema.Cache
	DB          *dbconn.Manager
	Files       *files.Manager
	Identity    config.IdentityConfig
	KeySet      jwk.Set        // may be empty; every request is then anonymous
	RBAC        *rbac.Enforcer // may be nil; admin routes then fail closed
	ACLCompiler *acl.Compiler  // may be nil; query builders then parse each rule fresh
	Logger      *slog.Logger
}

// Router builds the complete handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(AuthMiddleware(s.KeySet))

	r.Route("/api/records/v1/{api}", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/schema", s.handleSchema)
		r.Get("/{id}", s.handleRead)
		r.Get("/{id}/files/{column}", s.handleFileDownload)
		r.Get("/{id}/files/{column}/{index}", s.handleFileDownload)
		r.Patch("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})

	r.Post("/api/transaction/v1/execute", s.handleTransaction)

	s.mountAdmin(r)

	return r
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error(fmt.Sprintf(format, args...))
}
