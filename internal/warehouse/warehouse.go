// Package warehouse is the I/O boundary to the analytics store: the
// claims_normalized dataset, the ML score cache table and the metadata
// run tables.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/configs"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrUnsupportedDriver = errors.New("unsupported warehouse driver")
	ErrMissingColumns    = errors.New("claims table is missing required columns")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ScoresTable is the queryable ML score cache
const ScoresTable = "claims_ml_scores"

// Store executes parameterized queries against the analytics warehouse
type Store struct {
	db           *sql.DB
	driver       string
	claimsTable  string
	maxFetchRows int
}

// New opens the warehouse configured by cfg and creates the metadata tables
func New(cfg configs.WarehouseConfig) (*Store, error) {
	table := cfg.ClaimsTable
	if table == "" {
		table = "claims_normalized"
	}
	if !isIdentifier(table) {
		return nil, fmt.Errorf("invalid claims table name %q", table)
	}

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case DriverSQLite, "":
		cfg.Driver = DriverSQLite
		db, err = openSQLite(cfg)
	case DriverPostgres:
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	store := &Store{
		db:           db,
		driver:       cfg.Driver,
		claimsTable:  table,
		maxFetchRows: cfg.MaxFetchRows,
	}

	if err := store.EnsureMetadataTables(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metadata tables: %w", err)
	}

	log.Info().
		Str("driver", cfg.Driver).
		Str("claims_table", table).
		Msg("Warehouse connection established")

	return store, nil
}

// Close closes the warehouse connection
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	log.Info().Msg("Warehouse connection closed")
	return s.db.Close()
}

// Ping checks the warehouse connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the configured backend name
func (s *Store) Driver() string {
	return s.driver
}

// ClaimsTable returns the name of the claims dataset table
func (s *Store) ClaimsTable() string {
	return s.claimsTable
}

// TableExists reports whether the named table is present
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	if s.driver == DriverPostgres {
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	}

	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) requireTable(ctx context.Context, name string) error {
	ok, err := s.TableExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check table %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%w: table %s", ErrNotFound, name)
	}
	return nil
}

// Row is one record of a tabular query result
type Row map[string]any

// Query runs an arbitrary parameterized query. Placeholders are written as ?.
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// rebind converts ? placeholders to $n for postgres
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
