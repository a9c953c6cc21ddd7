// Package serve wires every component in this repository into a
// running HTTP process: the Connection Manager, the Schema Metadata
// Cache, the Record API Registry, the File Manager and its sweeper,
// the casbin registry-RBAC enforcer, and the chi router in package
// httpapi, via one Command()/Run() pair matched to a single runnable
// subcommand.
package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/cache/v9"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/config"
	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/files"
	"github.com/kilndb/recordapi/httpapi"
	tlog "github.com/kilndb/recordapi/log"
	"github.com/kilndb/recordapi/rbac"
	"github.com/kilndb/recordapi/recordapi"
	"github.com/kilndb/recordapi/schema"
)

// Command builds the urfave/cli "serve" subcommand: one Command() per
// runnable component rather than flag parsing spread across main.go.
func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the record API HTTP server",
		Action: Run,
		Description: `
	Environment variables:
		RECORDAPI_LISTEN_ADDR              (default: 0.0.0.0:8090)
		RECORDAPI_DATA_DIR                 (default: ./data)
		RECORDAPI_DEV                       (default: false)
		RECORDAPI_DB_READERS               (default: min(4, NumCPU))
		RECORDAPI_FILES_BACKEND             (local|redis, default: local)
		RECORDAPI_FILES_MAX_UPLOAD_BYTES    (default: 26214400)
		RECORDAPI_FILES_SWEEP_INTERVAL      (default: 30s)
		RECORDAPI_REDIS_ENABLED             (default: false)
		RECORDAPI_REDIS_ADDR                (default: localhost:6379)
		RECORDAPI_REDIS_PASS
		RECORDAPI_REDIS_DB                  (default: 0)
		RECORDAPI_IDENTITY_TABLE            (default: _user)
		RECORDAPI_IDENTITY_PK_COLUMN        (default: id)
		RECORDAPI_IDENTITY_JWKS_PATH
		RECORDAPI_RBAC_DB_PATH              (default: ./data/rbac.db)
	`,
	}
}

// Run assembles every component into a running server and blocks
// until the process is killed.
func Run(ctx context.Context, cmd *cli.Command) error {
	logger := tlog.FromContext(ctx)
	logger = tlog.SubLogger(logger, cmd.Name)
	ctx = tlog.IntoContext(ctx, logger)

	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}

	if err := os.MkdirAll(cfg.Core.DataDir, 0o755); err != nil {
		return fmt.Errorf("serve: create data dir: %w", err)
	}

	db, err := dbconn.Make(ctx, cfg.Core.MainDBPath(), dbconn.Options{
		Readers:    cfg.Connection.Readers,
		Persistent: true,
		Logger:     tlog.SubLogger(logger, "dbconn"),
	})
	if err != nil {
		return fmt.Errorf("serve: open main database: %w", err)
	}
	defer db.Close()

	schemaCache := schema.NewCache(cfg.Core.MainDBPath(), schema.NewRegistry(), tlog.SubLogger(logger, "schema"))
	if err := schemaCache.Refresh(ctx); err != nil {
		return fmt.Errorf("serve: refresh schema cache: %w", err)
	}

	registry := recordapi.NewRegistry(db, schemaCache)
	if err := registry.EnsureTable(ctx); err != nil {
		return fmt.Errorf("serve: ensure record api registry table: %w", err)
	}
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("serve: load record api registry: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Files.Backend == "redis" || cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.ToURL())
		if err != nil {
			return fmt.Errorf("serve: parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	store, err := buildFileStore(cfg, redisClient)
	if err != nil {
		return err
	}

	deletions := files.NewDeletionQueue(db, store, tlog.SubLogger(logger, "files"))
	if err := deletions.EnsureTable(ctx); err != nil {
		return fmt.Errorf("serve: ensure file deletions table: %w", err)
	}
	fileManager := files.NewManager(store, deletions, cfg.Files.MaxUploadBytes)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go deletions.Run(sweepCtx, cfg.Files.SweepInterval)

	aclCompiler := acl.NewCompiler()
	if redisClient != nil {
		aclCompiler = acl.NewCompilerWithRemote(cache.New(&cache.Options{Redis: redisClient}))
	}

	enforcer, err := rbac.NewEnforcer(cfg.RBAC.DBPath)
	if err != nil {
		return fmt.Errorf("serve: open rbac enforcer: %w", err)
	}
	if err := enforcer.Bootstrap(adminDomain); err != nil {
		return fmt.Errorf("serve: bootstrap rbac policies: %w", err)
	}

	var keySet jwk.Set
	if cfg.Identity.JWKSPath != "" {
		keySet, err = jwk.ReadFile(cfg.Identity.JWKSPath)
		if err != nil {
			return fmt.Errorf("serve: read jwks: %w", err)
		}
	} else {
		keySet = jwk.NewSet()
	}

	server := &httpapi.Server{
		Registry:    registry,
		Schema:      schemaCache,
		DB:          db,
		Files:       fileManager,
		Identity:    cfg.Identity,
		KeySet:      keySet,
		RBAC:        enforcer,
		ACLCompiler: aclCompiler,
		Logger:      tlog.SubLogger(logger, "httpapi"),
	}

	logger.Info("record api server starting", "addr", cfg.Core.ListenAddr, "data_dir", cfg.Core.DataDir)
	return http.ListenAndServe(cfg.Core.ListenAddr, server.Router())
}

// adminDomain mirrors the casbin domain package httpapi's admin
// handlers enforce against - a single-tenant deployment always
// bootstraps this one domain at startup.
const adminDomain = "default"

func buildFileStore(cfg *config.Config, redisClient *redis.Client) (files.Store, error) {
	switch cfg.Files.Backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("serve: files backend %q requires redis configuration", cfg.Files.Backend)
		}
		return files.NewRedisStore(redisClient, "recordapi:"), nil
	case "local", "":
		return files.NewLocalStore(config.LocalStorageDir(cfg.Core))
	default:
		return nil, fmt.Errorf("serve: unknown files backend %q", cfg.Files.Backend)
	}
}
