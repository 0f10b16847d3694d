package learner

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/idresolve/internal/db"
	"github.com/sells-group/idresolve/internal/model"
)

// Source describes one warehouse table the learner mines.
type Source struct {
	Name            string `mapstructure:"name"`
	Table           string `mapstructure:"table"`
	CompanyIDColumn string `mapstructure:"company_id_column"`
	UpdatedAtColumn string `mapstructure:"updated_at_column"`
	// Columns maps key class names to the table column holding that key.
	Columns map[string]string `mapstructure:"columns"`
}

// Validate checks that every configured key class is learnable.
func (s Source) Validate() error {
	if s.Name == "" || s.Table == "" || s.CompanyIDColumn == "" || s.UpdatedAtColumn == "" {
		return eris.Errorf("learner: source %q: name, table, company_id_column and updated_at_column are required", s.Name)
	}
	if len(s.Columns) == 0 {
		return eris.Errorf("learner: source %q has no key columns", s.Name)
	}
	for name := range s.Columns {
		kc, err := model.ParseKeyClass(name)
		if err != nil {
			return eris.Wrapf(err, "learner: source %q", s.Name)
		}
		if kc == model.KeyHardcode {
			return eris.Errorf("learner: source %q: hardcode keys are not learned", s.Name)
		}
	}
	return nil
}

// Column returns the column configured for kc.
func (s Source) Column(kc model.KeyClass) (string, bool) {
	col, ok := s.Columns[string(kc)]
	return col, ok && col != ""
}

// Pair is one (key, company id) combination with the number of warehouse
// rows carrying it.
type Pair struct {
	Key       string
	CompanyID string
	Rows      int64
}

// Warehouse reads already-loaded rows.
type Warehouse interface {
	// NewRows counts rows updated after since (all rows when since is nil)
	// and returns the latest update time among them.
	NewRows(ctx context.Context, src Source, since *time.Time) (int64, *time.Time, error)
	// Pairs aggregates the non-null (key, company id) combinations for one
	// key column.
	Pairs(ctx context.Context, src Source, column string) ([]Pair, error)
}

// PostgresWarehouse implements Warehouse with aggregate queries.
type PostgresWarehouse struct {
	pool db.Pool
}

// NewPostgresWarehouse creates a PostgresWarehouse.
func NewPostgresWarehouse(pool db.Pool) *PostgresWarehouse {
	return &PostgresWarehouse{pool: pool}
}

// NewRows implements Warehouse.
func (w *PostgresWarehouse) NewRows(ctx context.Context, src Source, since *time.Time) (int64, *time.Time, error) {
	updated := pgx.Identifier{src.UpdatedAtColumn}.Sanitize()
	query := fmt.Sprintf(
		`SELECT COUNT(*), MAX(%s) FROM %s WHERE $1::timestamptz IS NULL OR %s > $1`,
		updated, db.SanitizeTable(src.Table), updated,
	)

	var n int64
	var latest *time.Time
	if err := w.pool.QueryRow(ctx, query, since).Scan(&n, &latest); err != nil {
		return 0, nil, eris.Wrapf(err, "learner: count new rows in %s", src.Name)
	}
	return n, latest, nil
}

// Pairs implements Warehouse.
func (w *PostgresWarehouse) Pairs(ctx context.Context, src Source, column string) ([]Pair, error) {
	key := pgx.Identifier{column}.Sanitize()
	id := pgx.Identifier{src.CompanyIDColumn}.Sanitize()
	query := fmt.Sprintf(
		`SELECT %[1]s::text, %[2]s::text, COUNT(*) FROM %[3]s
		 WHERE %[1]s IS NOT NULL AND %[2]s IS NOT NULL AND %[2]s::text <> ''
		 GROUP BY 1, 2`,
		key, id, db.SanitizeTable(src.Table),
	)

	rows, err := w.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrapf(err, "learner: aggregate %s", src.Name)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.CompanyID, &p.Rows); err != nil {
			return nil, eris.Wrapf(err, "learner: scan pair from %s", src.Name)
		}
		out = append(out, p)
	}
	return out, eris.Wrapf(rows.Err(), "learner: iterate pairs from %s", src.Name)
}
