package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type reportRepoPG struct {
	db    querier
	table string
}

// NewReportRepo stores reports in the import_batch table of schema.
func NewReportRepo(pool *pgxpool.Pool, schema string) ReportRepository {
	return newReportRepoPG(pool, schema)
}

func newReportRepoPG(db querier, schema string) *reportRepoPG {
	if schema == "" {
		schema = "public"
	}
	return &reportRepoPG{
		db:    db,
		table: pgx.Identifier{schema, "import_batch"}.Sanitize(),
	}
}

const reportCols = `id, source, created_at, total, succeeded, partial, failed, records`

func (r *reportRepoPG) Save(ctx context.Context, report *BatchReport) error {
	records, err := json.Marshal(report.Records)
	if err != nil {
		return fmt.Errorf("report save: encode records: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO `+r.table+` (`+reportCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			total = EXCLUDED.total,
			succeeded = EXCLUDED.succeeded,
			partial = EXCLUDED.partial,
			failed = EXCLUDED.failed,
			records = EXCLUDED.records`,
		report.ID, report.Source, report.CreatedAt,
		report.Summary.Total, report.Summary.Succeeded, report.Summary.Partial, report.Summary.Failed,
		records,
	)
	if err != nil {
		return fmt.Errorf("report save: %w", err)
	}
	return nil
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BatchReport, error) {
	report, err := scanReport(r.db.QueryRow(ctx, `SELECT `+reportCols+` FROM `+r.table+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("report get: %w", err)
	}
	return report, nil
}

func (r *reportRepoPG) List(ctx context.Context, limit, offset int) ([]*BatchReport, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+r.table).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("report count: %w", err)
	}
	rows, err := r.db.Query(ctx, `SELECT `+reportCols+` FROM `+r.table+` ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("report list: %w", err)
	}
	defer rows.Close()

	reports := []*BatchReport{}
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("report list: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("report list: %w", err)
	}
	return reports, total, nil
}

func scanReport(row pgx.Row) (*BatchReport, error) {
	var report BatchReport
	var records []byte
	err := row.Scan(
		&report.ID, &report.Source, &report.CreatedAt,
		&report.Summary.Total, &report.Summary.Succeeded, &report.Summary.Partial, &report.Summary.Failed,
		&records,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(records, &report.Records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return &report, nil
}
