// Package db opens the dispatch core's SQLite store and applies its embedded
// schema migrations: users, drones, packages, delivery orders with status
// history, routes with waypoints, zones, telemetry time-series, the drone
// status stream and notifications.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	stdfs "io/fs"
	"regexp"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationFileRe matches the versioned script naming this package enforces:
// NNNN_name.up.sql / NNNN_name.down.sql.
var migrationFileRe = regexp.MustCompile(`^([0-9]{4})_(.+)\.(up|down)\.sql$`)

// noTxMarker at the top of a script makes it run outside a transaction, for
// statements SQLite refuses to run inside one.
const noTxMarker = "-- NO_TX"

// schemaMigration is one versioned schema step: its up script and, when
// present, the down script that reverts it.
type schemaMigration struct {
	version  int
	name     string
	upFile   string
	downFile string
}

// Open opens (or creates) the SQLite database at path, applies the connection
// pragmas the dispatch core relies on (WAL for concurrent readers during
// pipeline writes, a 5 s busy timeout matching the DB operation budget, and
// enforced foreign keys so route/waypoint cascades actually fire), then brings
// the schema up to date.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = "app.db"
	}
	d, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(); err != nil {
		_ = d.Close()
		return nil, err
	}
	// WAL is unsupported for some targets (e.g. in-memory databases); that is
	// fine for those, so its error is ignored. The other pragmas must stick.
	_, _ = d.Exec(`PRAGMA journal_mode=WAL`)
	for _, pragma := range []string{
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := d.Exec(pragma); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	if err := migrateUp(d); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// RollbackLast reverts the most recently applied migration using its down
// script. Migrations without a down script cannot be rolled back.
func RollbackLast(d *sql.DB) error {
	if d == nil {
		return errors.New("nil db")
	}
	if err := ensureVersionTable(d); err != nil {
		return err
	}
	var version int
	err := d.QueryRow(`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // nothing applied yet
	}
	if err != nil {
		return err
	}

	catalog, err := loadCatalog()
	if err != nil {
		return err
	}
	var target *schemaMigration
	for i := range catalog {
		if catalog[i].version == version {
			target = &catalog[i]
			break
		}
	}
	if target == nil || target.downFile == "" {
		return fmt.Errorf("no down migration for version %04d", version)
	}
	script, err := migrationsFS.ReadFile(target.downFile)
	if err != nil {
		return err
	}
	return runScript(d, string(script), `DELETE FROM schema_migrations WHERE version = ?`, version)
}

// loadCatalog reads the embedded migration scripts into a sorted, validated
// catalog: every entry must have an up script, and versions must be gap-free
// from 1 so a half-shipped migration set fails loudly at startup instead of
// leaving the schema in an ambiguous state.
func loadCatalog() ([]schemaMigration, error) {
	entries, err := stdfs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		// No migrations directory embedded means nothing to apply.
		return nil, nil
	}

	byVersion := map[int]*schemaMigration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("migration %q does not match NNNN_name.{up,down}.sql", entry.Name())
		}
		var version int
		fmt.Sscanf(m[1], "%04d", &version)
		item := byVersion[version]
		if item == nil {
			item = &schemaMigration{version: version, name: m[2]}
			byVersion[version] = item
		}
		path := "migrations/" + entry.Name()
		if m[3] == "up" {
			item.upFile = path
		} else {
			item.downFile = path
		}
	}

	catalog := make([]schemaMigration, 0, len(byVersion))
	for _, item := range byVersion {
		catalog = append(catalog, *item)
	}
	sort.Slice(catalog, func(i, j int) bool { return catalog[i].version < catalog[j].version })

	for i, item := range catalog {
		if item.version != i+1 {
			return nil, fmt.Errorf("migration versions must be gap-free from 0001; missing %04d", i+1)
		}
		if item.upFile == "" {
			return nil, fmt.Errorf("migration %04d_%s has no up script", item.version, item.name)
		}
	}
	return catalog, nil
}

// migrateUp applies every catalog entry newer than what schema_migrations
// records, in order.
func migrateUp(d *sql.DB) error {
	catalog, err := loadCatalog()
	if err != nil {
		return err
	}
	if len(catalog) == 0 {
		return nil
	}
	applied, err := appliedVersions(d)
	if err != nil {
		return err
	}
	for _, m := range catalog {
		if applied[m.version] {
			continue
		}
		script, err := migrationsFS.ReadFile(m.upFile)
		if err != nil {
			return err
		}
		if err := runScript(d, string(script), `INSERT INTO schema_migrations(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("migration %04d_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}

// runScript executes a migration script plus its schema_migrations bookkeeping
// statement, inside one transaction unless the script opts out via NO_TX.
func runScript(d *sql.DB, script, record string, version int) error {
	if strings.HasPrefix(strings.TrimSpace(script), noTxMarker) {
		if _, err := d.Exec(script); err != nil {
			return err
		}
		_, err := d.Exec(record, version)
		return err
	}
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(script); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(record, version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ensureVersionTable(d *sql.DB) error {
	_, err := d.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version INTEGER PRIMARY KEY,
        applied_at TEXT NOT NULL DEFAULT (CURRENT_TIMESTAMP)
    )`)
	return err
}

func appliedVersions(d *sql.DB) (map[int]bool, error) {
	if err := ensureVersionTable(d); err != nil {
		return nil, err
	}
	rows, err := d.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
