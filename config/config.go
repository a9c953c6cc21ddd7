// Package config loads the platform's environment-variable
// configuration the same way the rest of the
// ambient stack is configured: envconfig-tagged structs processed
// once at startup.
package config

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// CoreConfig covers process-wide basics: where it listens and where
// its data directory lives.
type CoreConfig struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:8090"`
	DataDir    string `env:"DATA_DIR, default=./data"`
	Dev        bool   `env:"DEV, default=false"`
}

// MainDBPath is <data_dir>/main.db: user tables and
// record-API-addressable data.
func (c CoreConfig) MainDBPath() string {
	return filepath.Join(c.DataDir, "main.db")
}

// LogsDBPath is <data_dir>/logs.db, the request-log database isolated
// from user data so a log write burst never stalls a record write.
func (c CoreConfig) LogsDBPath() string {
	return filepath.Join(c.DataDir, "logs.db")
}

// MigrationsDir is <data_dir>/migrations, holding user migration
// files named [UV]<version>__<name>.sql.
func (c CoreConfig) MigrationsDir() string {
	return filepath.Join(c.DataDir, "migrations")
}

// AttachedDBPath is <data_dir>/<name>.db for a secondary attached
// database.
func (c CoreConfig) AttachedDBPath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// ConnectionConfig tunes the SQLite Connection Manager.
type ConnectionConfig struct {
	// Readers is the size of the reader pool; 0 picks
	// min(4, runtime.NumCPU()) the way dbconn.Options.readerCount does.
	Readers int `env:"READERS, default=0"`
}

// FilesConfig selects and tunes the File Manager's object-store
// backend.
type FilesConfig struct {
	// Backend is "local" (on-disk, under Core.DataDir/storage) or
	// "redis" (blobs stored as keys in the configured Redis instance).
	Backend        string        `env:"BACKEND, default=local"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES, default=26214400"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL, default=30s"`
}

// LocalStorageDir is where the local file backend keeps its blobs
// when FilesConfig.Backend == "local".
func LocalStorageDir(core CoreConfig) string {
	return filepath.Join(core.DataDir, "storage")
}

// RedisConfig addresses the Redis instance backing the "redis" files
// backend and the shared access-rule plan cache. Enabled gates the
// plan-cache tier on its own; the "redis" files backend implies a
// client regardless.
type RedisConfig struct {
	Enabled  bool   `env:"ENABLED, default=false"`
	Addr     string `env:"ADDR, default=localhost:6379"`
	Password string `env:"PASS"`
	DB       int    `env:"DB, default=0"`
}

func (cfg RedisConfig) ToURL() string {
	u := &url.URL{
		Scheme: "redis",
		Host:   cfg.Addr,
		Path:   fmt.Sprintf("/%d", cfg.DB),
	}
	if cfg.Password != "" {
		u.User = url.UserPassword("", cfg.Password)
	}
	return u.String()
}

// IdentityConfig names the table and primary-key column the
// consumed identity contract's caller maps onto, so the Access-Rule
// Compiler's _USER_ correlated subquery knows where to
// look the caller up.
type IdentityConfig struct {
	Table    string `env:"TABLE, default=_user"`
	PKColumn string `env:"PK_COLUMN, default=id"`

	// JWKSPath points at the JSON Web Key Set the out-of-scope auth
	// subsystem publishes;
	// AuthMiddleware verifies bearer tokens against it. Empty means no
	// key material is available and every request is anonymous.
	JWKSPath string `env:"JWKS_PATH"`
}

// RBACConfig points at the casbin policy store backing package rbac.
type RBACConfig struct {
	DBPath string `env:"DB_PATH, default=./data/rbac.db"`
}

type Config struct {
	Core       CoreConfig       `env:",prefix=RECORDAPI_"`
	Connection ConnectionConfig `env:",prefix=RECORDAPI_DB_"`
	Files      FilesConfig      `env:",prefix=RECORDAPI_FILES_"`
	Redis      RedisConfig      `env:",prefix=RECORDAPI_REDIS_"`
	Identity   IdentityConfig   `env:",prefix=RECORDAPI_IDENTITY_"`
	RBAC       RBACConfig       `env:",prefix=RECORDAPI_RBAC_"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
