package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
)

const migrationTable = "catalog_migrations"

// migration is one forward step of the catalog schema.
type migration struct {
	Version int
	Name    string
	Up      string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create gamma artifacts",
		Up: `
CREATE TABLE IF NOT EXISTS gamma_artifacts (
	artifact_key   TEXT PRIMARY KEY,
	region         TEXT NOT NULL,
	variable       TEXT NOT NULL,
	window_length  INTEGER NOT NULL,
	baseline_start INTEGER NOT NULL,
	baseline_end   INTEGER NOT NULL,
	bias_corrected INTEGER NOT NULL,
	method         TEXT NOT NULL,
	path           TEXT NOT NULL,
	run_id         TEXT NOT NULL,
	created_at     BIGINT NOT NULL
)`,
	},
	{
		Version: 2,
		Name:    "index latest lookups",
		Up: `
CREATE INDEX IF NOT EXISTS gamma_artifacts_latest
	ON gamma_artifacts (region, variable, bias_corrected, created_at)`,
	},
}

// migrator applies pending migrations, one transaction each.
type migrator struct {
	db  *sql.DB
	c   *Catalog
	all []migration
}

func (m *migrator) createTable(ctx context.Context) error {
	appliedAt := "DATETIME"
	if m.c.postgres {
		appliedAt = "TIMESTAMP"
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			applied_at %s DEFAULT CURRENT_TIMESTAMP
		)`, migrationTable, appliedAt))
	if err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	return nil
}

// version returns the highest applied migration version.
func (m *migrator) version(ctx context.Context) (int, error) {
	var v int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+migrationTable).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to get current schema version: %w", err)
	}
	return v, nil
}

// up applies every migration newer than the current version and returns the
// resulting version.
func (m *migrator) up(ctx context.Context) (int, error) {
	if err := m.createTable(ctx); err != nil {
		return 0, err
	}
	current, err := m.version(ctx)
	if err != nil {
		return 0, err
	}
	pending := slices.Clone(m.all)
	slices.SortFunc(pending, func(a, b migration) int { return a.Version - b.Version })
	for _, mg := range pending {
		if mg.Version <= current {
			continue
		}
		if err := m.apply(ctx, mg); err != nil {
			return current, fmt.Errorf("failed to apply migration %d (%s): %w", mg.Version, mg.Name, err)
		}
		current = mg.Version
	}
	return current, nil
}

func (m *migrator) apply(ctx context.Context, mg migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mg.Up); err != nil {
		return err
	}
	insert := m.c.rebind("INSERT INTO " + migrationTable + " (version) VALUES (?)")
	if _, err := tx.ExecContext(ctx, insert, mg.Version); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit()
}
