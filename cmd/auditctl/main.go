// Package main is auditctl, the operator CLI for an auditchain deployment.
//
// It talks to the chain database and the archive storage directly, using the
// same configuration file as the server, so it keeps working when the HTTP
// API is down:
//
//	auditctl verify [--tenant T | --file F]  - Recompute hashes and linkage
//	auditctl show <hash>                     - Print and verify one entry
//	auditctl list --tenant T                 - Recent entries, newest first
//	auditctl export --tenant T               - Dump a chain as jsonl/json/csv
//	auditctl tenants                         - Tenants with entry counts
//	auditctl hash [file]                     - Recompute hashes of jsonl entries
//	auditctl archive create|list|verify      - Signed chain snapshots
//	auditctl migrate up|down|force|version   - Schema maintenance
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bizsuite/auditchain/internal/config"
	"github.com/bizsuite/auditchain/internal/db"
	"github.com/bizsuite/auditchain/internal/db/repositories"
	"github.com/bizsuite/auditchain/internal/export"
	"github.com/bizsuite/auditchain/internal/storage"
	"github.com/bizsuite/auditchain/internal/telemetry"

	// Import storage backends to register them
	_ "github.com/bizsuite/auditchain/internal/storage/azure"
	_ "github.com/bizsuite/auditchain/internal/storage/gcs"
	_ "github.com/bizsuite/auditchain/internal/storage/local"
	_ "github.com/bizsuite/auditchain/internal/storage/s3"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

var errMemoryStore = errors.New("database.driver is memory; auditctl needs a persistent database")

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: failed to load .env: %v\n", err)
		os.Exit(1)
	}

	a := &app{}
	err := newRootCmd(a).Execute()
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ============================================================================
// Shared state
// ============================================================================

// app holds the flags every command shares and the resources opened on
// demand. Commands that never touch the database (hash, version) never load
// the configuration.
type app struct {
	configPath string
	verbose    bool

	cfg  *config.Config
	db   *sqlx.DB
	repo *repositories.ChainRepository
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg
	return cfg, nil
}

// store opens the chain database. The schema is applied when auto_migrate is
// set, exactly as the server does on startup.
func (a *app) store(ctx context.Context) (*repositories.ChainRepository, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "memory" {
		return nil, errMemoryStore
	}
	database, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = database
	a.repo = repositories.NewChainRepository(database)
	return a.repo, nil
}

func (a *app) objects() (storage.Storage, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	objects, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	return objects, nil
}

// archiver builds an archiver over the configured storage, signing manifests
// when archive.signing_key_file is set. It does not require archive.enabled,
// which only governs the server.
func (a *app) archiver(ctx context.Context) (*export.Archiver, error) {
	store, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := a.objects()
	if err != nil {
		return nil, err
	}
	var signer *export.Signer
	if a.cfg.Archive.SigningKeyFile != "" {
		signer, err = export.LoadSigner(a.cfg.Archive.SigningKeyFile, a.cfg.Archive.SigningKeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to load archive signing key: %w", err)
		}
	}
	return export.NewArchiver(store, objects, signer, a.cfg.Archive.Prefix), nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db, a.repo = nil, nil
	}
}

// ============================================================================
// Root command
// ============================================================================

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Inspect, verify and archive auditchain tenant chains",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Command output goes to stdout; logs stay on stderr out of its way.
			level := "warn"
			if a.verbose {
				level = "debug"
			}
			telemetry.SetupLoggerTo(cmd.ErrOrStderr(), "text", level)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("CONFIG_PATH"), "path to the config file (default: ./config.yaml)")
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "log at debug level")

	root.AddCommand(
		newVerifyCmd(a),
		newShowCmd(a),
		newListCmd(a),
		newExportCmd(a),
		newTenantsCmd(a),
		newHashCmd(),
		newArchiveCmd(a),
		newMigrateCmd(a),
	)
	return root
}

