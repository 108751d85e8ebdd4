// Package sqlitecache persists the action cache and CAS to a local SQLite
// database, bootstrapping its schema through versioned golang-migrate
// migrations so the on-disk layout can evolve across releases without a
// destructive reset.
package sqlitecache

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/forgeworks/forge/cache"
	"github.com/forgeworks/forge/digest"
	"github.com/forgeworks/forge/engineerr"
	"github.com/forgeworks/forge/version"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (creating if necessary) the SQLite database at path and brings
// its schema up to the latest migration.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitecache: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitecache: enable WAL: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := invalidateOnVersionChange(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// invalidateOnVersionChange compares the running binary's version.Info
// against the provenance this database was last opened under. A mismatch
// (a different commit, module path, dependency set, or Go toolchain) wipes
// the action cache tables; CAS blobs are left alone since they're keyed by
// content digest and remain valid regardless of which engine wrote them.
func invalidateOnVersionChange(db *sql.DB) error {
	current := version.Get()
	encoded, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("sqlitecache: encode engine version: %w", err)
	}

	var storedJSON string
	err = db.QueryRow(`SELECT version FROM engine_meta WHERE id = 1`).Scan(&storedJSON)
	switch {
	case err == sql.ErrNoRows:
		_, err := db.Exec(`INSERT INTO engine_meta (id, version) VALUES (1, ?)`, string(encoded))
		if err != nil {
			return fmt.Errorf("sqlitecache: record engine version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("sqlitecache: read engine version: %w", err)
	}

	var stored version.Info
	if err := json.Unmarshal([]byte(storedJSON), &stored); err != nil {
		return fmt.Errorf("sqlitecache: decode stored engine version: %w", err)
	}
	if current.Equal(stored) {
		return nil
	}

	slog.Info("sqlitecache: engine version changed, invalidating action cache")
	if _, err := db.Exec(`DELETE FROM action_outputs`); err != nil {
		return fmt.Errorf("sqlitecache: clear action outputs: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM action_results`); err != nil {
		return fmt.Errorf("sqlitecache: clear action results: %w", err)
	}
	if _, err := db.Exec(`UPDATE engine_meta SET version = ? WHERE id = 1`, string(encoded)); err != nil {
		return fmt.Errorf("sqlitecache: update engine version: %w", err)
	}
	return nil
}

func migrateUp(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlitecache: load migrations: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlitecache: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("sqlitecache: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sqlitecache: migrate up: %w", err)
	}
	return nil
}

// CAS is a cache.CAS backed by a blobs table in the shared database.
type CAS struct {
	db *sql.DB
}

func NewCAS(db *sql.DB) *CAS { return &CAS{db: db} }

func (c *CAS) Has(d digest.Digest) (bool, error) {
	var one int
	err := c.db.QueryRow(`SELECT 1 FROM blobs WHERE digest_hex = ?`, d.Hex()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitecache: has: %w", err)
	}
	return true, nil
}

func (c *CAS) Put(d digest.Digest, data []byte) error {
	actual := digest.FromBytes(data)
	if !actual.Equal(d) {
		return engineerr.Wrap(engineerr.Internal, &cache.ErrPoisoned{Want: d, Got: actual})
	}
	_, err := c.db.Exec(`INSERT OR IGNORE INTO blobs (digest_hex, size, data) VALUES (?, ?, ?)`,
		d.Hex(), d.Size, data)
	if err != nil {
		return fmt.Errorf("sqlitecache: put blob: %w", err)
	}
	return nil
}

func (c *CAS) Get(d digest.Digest) ([]byte, error) {
	var data []byte
	err := c.db.QueryRow(`SELECT data FROM blobs WHERE digest_hex = ?`, d.Hex()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, engineerr.Wrap(engineerr.Environment, fmt.Errorf("sqlitecache: missing digest %s", d))
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitecache: get blob: %w", err)
	}
	actual := digest.FromBytes(data)
	if !actual.Equal(d) {
		return nil, engineerr.Wrap(engineerr.Internal, &cache.ErrPoisoned{Want: d, Got: actual})
	}
	return data, nil
}

// ActionCache is a cache.ActionCache backed by the action_results and
// action_outputs tables in the shared database.
type ActionCache struct {
	db *sql.DB
}

func NewActionCache(db *sql.DB) *ActionCache { return &ActionCache{db: db} }

func (a *ActionCache) Get(key digest.Digest) (cache.ActionResult, bool, error) {
	var exists int
	err := a.db.QueryRow(`SELECT 1 FROM action_results WHERE action_key_hex = ?`, key.Hex()).Scan(&exists)
	if err == sql.ErrNoRows {
		return cache.ActionResult{}, false, nil
	}
	if err != nil {
		return cache.ActionResult{}, false, fmt.Errorf("sqlitecache: get result: %w", err)
	}

	rows, err := a.db.Query(`SELECT exec_path, digest_hex, size, executable FROM action_outputs WHERE action_key_hex = ? ORDER BY exec_path`, key.Hex())
	if err != nil {
		return cache.ActionResult{}, false, fmt.Errorf("sqlitecache: get outputs: %w", err)
	}
	defer rows.Close()

	var result cache.ActionResult
	for rows.Next() {
		var execPath, digestHex string
		var size int64
		var executable int
		if err := rows.Scan(&execPath, &digestHex, &size, &executable); err != nil {
			return cache.ActionResult{}, false, fmt.Errorf("sqlitecache: scan output: %w", err)
		}
		d, err := digest.Parse(digestHex, size)
		if err != nil {
			return cache.ActionResult{}, false, fmt.Errorf("sqlitecache: parse output digest: %w", err)
		}
		result.Outputs = append(result.Outputs, cache.OutputMetadata{
			ExecPath: execPath, Digest: d, Executable: executable != 0,
		})
	}
	return result, true, rows.Err()
}

func (a *ActionCache) Put(key digest.Digest, result cache.ActionResult) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitecache: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR IGNORE INTO action_results (action_key_hex, created_at) VALUES (?, ?)`,
		key.Hex(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlitecache: insert result: %w", err)
	}

	for _, out := range result.Outputs {
		executable := 0
		if out.Executable {
			executable = 1
		}
		_, err = tx.Exec(`INSERT OR IGNORE INTO action_outputs (action_key_hex, exec_path, digest_hex, size, executable) VALUES (?, ?, ?, ?, ?)`,
			key.Hex(), out.ExecPath, out.Digest.Hex(), out.Digest.Size, executable)
		if err != nil {
			return fmt.Errorf("sqlitecache: insert output %s: %w", out.ExecPath, err)
		}
	}
	return tx.Commit()
}
