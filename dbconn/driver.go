// Package dbconn is the SQLite connection manager:
// one dedicated OS thread per connection, a single writer plus a fixed
// reader pool, closures dispatched through bounded queues and awaited
// over one-shot channels. It owns the fixed PRAGMA set and the custom
// scalar functions the rest of the platform relies on.
package dbconn

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// driverName is registered once, lazily, with a ConnectHook that
// installs every custom function this platform needs on each new
// connection, rather than registering the bare driver under "sqlite3"
// via a blank import.
const driverName = "recordapi-sqlite3"

var registerOnce sync.Once

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return installFunctions(conn)
			},
		})
	})
}

// installFunctions registers this platform's scalar functions on a new
// connection. mattn/go-sqlite3's RegisterFunc only exposes SQLite's
// "deterministic" flag, not SQLITE_INNOCUOUS - so with
// trusted_schema=OFF (set via PRAGMA immediately after connecting)
// none of these are reachable from CHECK/DEFAULT/GENERATED/VIEW/TRIGGER
// contexts regardless of the flag passed here. That is stricter than
// necessary but safe. See DESIGN.md.
func installFunctions(conn *sqlite3.SQLiteConn) error {
	funcs := []struct {
		name string
		fn   any
		pure bool
	}{
		{"uuid_v7", sqlUUIDV7, false},
		{"is_uuid_v7", sqlIsUUIDV7, true},
		{"base64_url_safe", sqlBase64URLSafe, true},
		{"regexp", sqlRegexp, true},
		{"hash_password", sqlHashPassword, false},
		{"jsonschema", sqlJSONSchema, true},
	}
	for _, f := range funcs {
		if err := conn.RegisterFunc(f.name, f.fn, f.pure); err != nil {
			return fmt.Errorf("dbconn: registering %s: %w", f.name, err)
		}
	}
	return nil
}

// sqlUUIDV7 returns the raw 16 bytes, not UUID text: record primary
// keys are BLOB columns, and the id encoding on the HTTP surface
// (url-safe base64) only round-trips a 16-byte value.
func sqlUUIDV7() ([]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return id.MarshalBinary()
}

func sqlIsUUIDV7(v any) bool {
	b, ok := asBytes(v)
	if !ok {
		return false
	}
	if len(b) == 16 {
		return isUUIDV7Bytes(b)
	}
	if s, ok := v.(string); ok {
		if id, err := uuid.Parse(s); err == nil {
			bb, _ := id.MarshalBinary()
			return isUUIDV7Bytes(bb)
		}
	}
	return false
}

func isUUIDV7Bytes(b []byte) bool {
	if len(b) != 16 {
		return false
	}
	return b[6]>>4 == 0x7 && b[8]>>6 == 0x2
}

func asBytes(v any) ([]byte, bool) {
	b, ok := v.([]byte)
	return b, ok
}

func sqlBase64URLSafe(v any) (string, error) {
	switch x := v.(type) {
	case []byte:
		return base64.RawURLEncoding.EncodeToString(x), nil
	case string:
		return base64.RawURLEncoding.EncodeToString([]byte(x)), nil
	default:
		return "", fmt.Errorf("base64_url_safe: unsupported argument type %T", v)
	}
}

func sqlRegexp(pattern, text string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(text), nil
}

func sqlHashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// sqlJSONSchema validates value against a named schema. The two
// built-in names cover the file-column shapes; everything else only
// gets a well-formedness check here - full user-schema validation
// lives in the native jsonschema extension, loaded via loadExtension,
// which (unlike a Go-registered function) can be marked INNOCUOUS and
// therefore run inside CHECK constraints under trusted_schema=OFF.
// This Go registration covers top-level SELECT use and keeps DDL that
// names the function parseable on platform connections.
func sqlJSONSchema(schemaName string, value any) (bool, error) {
	var text string
	switch x := value.(type) {
	case nil:
		return true, nil
	case string:
		text = x
	case []byte:
		text = string(x)
	default:
		return false, nil
	}

	switch schemaName {
	case "std.FileUpload":
		var ref struct {
			ObjectstoreID string `json:"objectstore_id"`
		}
		return json.Unmarshal([]byte(text), &ref) == nil && ref.ObjectstoreID != "", nil
	case "std.FileUploads":
		var refs []struct {
			ObjectstoreID string `json:"objectstore_id"`
		}
		if err := json.Unmarshal([]byte(text), &refs); err != nil {
			return false, nil
		}
		for _, r := range refs {
			if r.ObjectstoreID == "" {
				return false, nil
			}
		}
		return true, nil
	default:
		return json.Valid([]byte(text)), nil
	}
}

// loadExtension attempts to load a native SQLite extension (the
// geoip/jsonschema/sqlite-vec/sqlean "define" extensions
// names) from a configured shared-library path. Native extensions are
// out of Go's reach beyond mattn/go-sqlite3's LoadExtension hook, so
// absent/unconfigured paths are skipped rather than treated as fatal.
func loadExtension(conn *sqlite3.SQLiteConn, libPath, entrypoint string) error {
	if libPath == "" {
		return nil
	}
	return conn.LoadExtension(libPath, entrypoint)
}
