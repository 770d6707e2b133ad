package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/gamma"
)

// Entry is one catalogued artifact.
type Entry struct {
	Identity  gamma.Identity
	Method    gamma.Method
	Path      string
	RunID     string
	CreatedAt time.Time
}

// Catalog indexes gamma artifacts by identity. It runs on SQLite for a
// single workstation and on PostgreSQL for shared deployments.
type Catalog struct {
	db       *sql.DB
	postgres bool
}

// OpenCatalog opens a catalog. driver is "sqlite" or "postgres".
func OpenCatalog(ctx context.Context, driver, dsn string) (*Catalog, error) {
	var sqlDriver string
	switch driver {
	case "", "sqlite":
		sqlDriver = "sqlite"
	case "postgres", "pgx":
		sqlDriver = "pgx"
	default:
		return nil, faults.Configf("unsupported catalog driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact catalog: %w", err)
	}
	if sqlDriver == "sqlite" {
		// An in-memory database exists per connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping artifact catalog: %w", err)
	}

	c := &Catalog{db: db, postgres: sqlDriver == "pgx"}
	if _, err := (&migrator{db: db, c: c, all: migrations}).up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate artifact catalog schema: %w", err)
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error { return c.db.Close() }

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (c *Catalog) rebind(query string) string {
	if !c.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Put records e, replacing any entry with the same identity.
func (c *Catalog) Put(ctx context.Context, e Entry) error {
	id := e.Identity
	query := c.rebind(`
		INSERT INTO gamma_artifacts (artifact_key, region, variable, window_length, baseline_start,
			baseline_end, bias_corrected, method, path, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (artifact_key) DO UPDATE SET
			method = excluded.method,
			path = excluded.path,
			run_id = excluded.run_id,
			created_at = excluded.created_at`)
	_, err := c.db.ExecContext(ctx, query,
		id.Key(), id.Region, id.Variable, id.Window, id.BaselineStart,
		id.BaselineEnd, boolToInt(id.BiasCorrected), string(e.Method), e.Path, e.RunID,
		e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record artifact %s: %w", id.Key(), err)
	}
	return nil
}

// Get returns the entry for exactly id.
func (c *Catalog) Get(ctx context.Context, id gamma.Identity) (Entry, error) {
	query := c.rebind(`
		SELECT region, variable, window_length, baseline_start, baseline_end, bias_corrected,
		       method, path, run_id, created_at
		FROM gamma_artifacts
		WHERE artifact_key = ?`)
	e, err := scanEntry(c.db.QueryRowContext(ctx, query, id.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, &faults.ArtifactNotFoundError{Key: id.Key()}
	}
	return e, err
}

// Latest returns the most recently written entry for a region and variable,
// whatever its window and baseline.
func (c *Catalog) Latest(ctx context.Context, region, variable string, biasCorrected bool) (Entry, error) {
	query := c.rebind(`
		SELECT region, variable, window_length, baseline_start, baseline_end, bias_corrected,
		       method, path, run_id, created_at
		FROM gamma_artifacts
		WHERE region = ? AND variable = ? AND bias_corrected = ?
		ORDER BY created_at DESC
		LIMIT 1`)
	e, err := scanEntry(c.db.QueryRowContext(ctx, query, region, variable, boolToInt(biasCorrected)))
	if errors.Is(err, sql.ErrNoRows) {
		key := fmt.Sprintf("%s/%s/bias_corrected=%t", region, variable, biasCorrected)
		return Entry{}, &faults.ArtifactNotFoundError{Key: key}
	}
	return e, err
}

// List returns every entry for a region ordered by key.
func (c *Catalog) List(ctx context.Context, region string) ([]Entry, error) {
	query := c.rebind(`
		SELECT region, variable, window_length, baseline_start, baseline_end, bias_corrected,
		       method, path, run_id, created_at
		FROM gamma_artifacts
		WHERE region = ?
		ORDER BY artifact_key`)
	rows, err := c.db.QueryContext(ctx, query, region)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact catalog: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e         Entry
		bc        int64
		method    string
		createdAt int64
	)
	err := row.Scan(
		&e.Identity.Region, &e.Identity.Variable, &e.Identity.Window,
		&e.Identity.BaselineStart, &e.Identity.BaselineEnd, &bc,
		&method, &e.Path, &e.RunID, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("failed to scan artifact row: %w", err)
	}
	e.Identity.BiasCorrected = bc != 0
	e.Method = gamma.Method(method)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
