package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/config"
	"github.com/kilndb/recordapi/sqlvalue"
)

// Identity is the consumed identity contract the auth subsystem
// produces: a verified UUID, contact email, CSRF token,
// and admin/verification flags. The zero value is the anonymous
// caller.
type Identity struct {
	UserID    sqlvalue.Value
	Email     string
	CSRFToken string
	IsAdmin   bool
	Verified  bool
}

// Anonymous reports whether this is the unauthenticated caller.
func (id Identity) Anonymous() bool {
	return id.UserID.IsNull()
}

// ACLIdentity adapts the consumed identity contract into the
// Access-Rule Compiler's notion of a caller (package acl), pointing
// _USER_ at the configured identity table and primary-key column.
func (id Identity) ACLIdentity(cfg config.IdentityConfig) acl.Identity {
	return acl.Identity{UserID: id.UserID, Table: cfg.Table, PKColumn: cfg.PKColumn}
}

type identityContextKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the caller identity a prior
// AuthMiddleware call attached to the request, or the anonymous
// identity if none was attached.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey{}).(Identity)
	return id
}

// AuthMiddleware verifies the bearer JWT on every request against
// keySet and attaches the resulting Identity to the request context.
// A missing or invalid token is not itself an error here - it leaves
// the anonymous identity in place - the per-operation rule for
// RequireAuth rejects it later, the same way the rest of the pipeline
// defers ACL decisions to the query builders rather than short-circuiting
// in middleware.
func AuthMiddleware(keySet jwk.Set) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identityFromRequest(r, keySet)
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

func identityFromRequest(r *http.Request, keySet jwk.Set) Identity {
	auth := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || tokenStr == "" {
		return Identity{}
	}

	token, err := jwt.Parse([]byte(tokenStr), jwt.WithKeySet(keySet), jwt.WithValidate(true))
	if err != nil {
		return Identity{}
	}

	uuidClaim, _ := token.Get("uuid")
	uuidStr, _ := uuidClaim.(string)
	if uuidStr == "" {
		return Identity{}
	}
	userID, err := sqlvalue.DecodeID(sqlvalue.ColumnBlob, uuidStr)
	if err != nil {
		return Identity{}
	}

	email, _ := token.Get("email")
	emailStr, _ := email.(string)

	csrf, _ := token.Get("csrf_token")
	csrfStr, _ := csrf.(string)

	isAdmin, _ := token.Get("is_admin")
	isAdminBool, _ := isAdmin.(bool)

	verified, _ := token.Get("verified")
	verifiedBool, _ := verified.(bool)

	return Identity{
		UserID:    userID,
		Email:     emailStr,
		CSRFToken: csrfStr,
		IsAdmin:   isAdminBool,
		Verified:  verifiedBool,
	}
}
