package intake

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrReportNotFound = errors.New("batch report not found")

// ReportRepository stores processed batch reports.
type ReportRepository interface {
	Save(ctx context.Context, r *BatchReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*BatchReport, error)
	// List returns reports newest first along with the total count.
	List(ctx context.Context, limit, offset int) ([]*BatchReport, int, error)
}
