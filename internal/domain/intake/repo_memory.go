package intake

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type reportRepoMemory struct {
	mu      sync.RWMutex
	reports map[uuid.UUID]*BatchReport
}

// NewMemoryReportRepo keeps reports in process memory. Reports are lost on
// restart.
func NewMemoryReportRepo() ReportRepository {
	return &reportRepoMemory{reports: make(map[uuid.UUID]*BatchReport)}
}

func (r *reportRepoMemory) Save(_ context.Context, report *BatchReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *report
	r.reports[report.ID] = &cp
	return nil
}

func (r *reportRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*BatchReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	report, ok := r.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *report
	return &cp, nil
}

func (r *reportRepoMemory) List(_ context.Context, limit, offset int) ([]*BatchReport, int, error) {
	r.mu.RLock()
	all := make([]*BatchReport, 0, len(r.reports))
	for _, report := range r.reports {
		cp := *report
		all = append(all, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() > all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []*BatchReport{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
