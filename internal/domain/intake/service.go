package intake

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/intake/internal/platform/tabular"
	"github.com/ehr/intake/pkg/fhirmodels"
)

// DefaultWorkers bounds how many records are processed at once when no
// worker count is configured.
const DefaultWorkers = 8

// ResourceStore creates FHIR resources on a remote server and returns the
// id it assigned. Implementations must be safe for concurrent use.
type ResourceStore interface {
	Create(ctx context.Context, resourceType string, resource map[string]interface{}) (string, error)
}

// MetricsRecorder receives pipeline metrics.
type MetricsRecorder interface {
	RecordOutcome(state string)
	DerivedResource(resourceType, result string)
	ObserveCreate(resourceType string, d time.Duration)
	ObserveBatch(size int)
}

type noopMetrics struct{}

func (noopMetrics) RecordOutcome(string)                {}
func (noopMetrics) DerivedResource(string, string)      {}
func (noopMetrics) ObserveCreate(string, time.Duration) {}
func (noopMetrics) ObserveBatch(int)                    {}

// Option configures a Service.
type Option func(*Service)

// WithWorkers sets the number of records processed concurrently.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithReports stores every imported batch in repo.
func WithReports(repo ReportRepository) Option {
	return func(s *Service) {
		s.reports = repo
	}
}

// Service turns intake rows into persisted Patients and their derived
// Conditions and Observations.
type Service struct {
	store   ResourceStore
	reports ReportRepository
	workers int
	logger  zerolog.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

func NewService(store ResourceStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		workers: DefaultWorkers,
		logger:  zerolog.Nop(),
		metrics: noopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessRecord runs one record through the pipeline. The Patient is
// created before any derived resource is built, and derived resources are
// then created concurrently. A failed derived resource leaves the record
// complete but partial.
func (s *Service) ProcessRecord(ctx context.Context, rec *Record) RecordOutcome {
	return s.processRecord(ctx, s.logger, rec)
}

// ProcessBatch processes records concurrently, at most the configured
// number of workers at a time. outcomes[i] belongs to records[i] and a
// failed record never stops the others.
func (s *Service) ProcessBatch(ctx context.Context, records []*Record) []RecordOutcome {
	return s.processBatch(ctx, s.logger, records)
}

// ProcessRows normalizes and processes decoded rows. Rows that do not
// normalize fail as invalid_row without reaching the remote store.
func (s *Service) ProcessRows(ctx context.Context, rows []tabular.Row) *BatchReport {
	report := &BatchReport{
		ID:        uuid.New(),
		CreatedAt: s.now().UTC(),
		Records:   make([]RecordOutcome, len(rows)),
	}
	log := s.logger.With().Str("batch_id", report.ID.String()).Logger()

	records := make([]*Record, 0, len(rows))
	positions := make([]int, 0, len(rows))
	for i, row := range rows {
		rec, err := Normalize(row)
		if err != nil {
			out := RecordOutcome{Index: i, State: StateReceived}
			s.fail(log, &out, ReasonInvalidRow, err)
			report.Records[i] = out
			continue
		}
		records = append(records, rec)
		positions = append(positions, i)
	}

	for j, out := range s.processBatch(ctx, log, records) {
		out.Index = positions[j]
		report.Records[positions[j]] = out
	}

	report.Summary = Summarize(report.Records)
	s.metrics.ObserveBatch(len(rows))

	log.Info().
		Int("total", report.Summary.Total).
		Int("succeeded", report.Summary.Succeeded).
		Int("partial", report.Summary.Partial).
		Int("failed", report.Summary.Failed).
		Msg("batch processed")

	return report
}

// Import processes rows and stores the resulting report. The report is
// saved even when ctx has been cancelled, since it describes what
// happened to every record.
func (s *Service) Import(ctx context.Context, source string, rows []tabular.Row) (*BatchReport, error) {
	report := s.ProcessRows(ctx, rows)
	report.Source = source
	if s.reports == nil {
		return report, nil
	}
	if err := s.reports.Save(context.WithoutCancel(ctx), report); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*BatchReport, error) {
	if s.reports == nil {
		return nil, ErrReportNotFound
	}
	return s.reports.GetByID(ctx, id)
}

func (s *Service) ListReports(ctx context.Context, limit, offset int) ([]*BatchReport, int, error) {
	if s.reports == nil {
		return []*BatchReport{}, 0, nil
	}
	return s.reports.List(ctx, limit, offset)
}

func (s *Service) processBatch(ctx context.Context, log zerolog.Logger, records []*Record) []RecordOutcome {
	outcomes := make([]RecordOutcome, len(records))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, rec := range records {
		g.Go(func() error {
			out := s.processRecord(ctx, log.With().Int("index", i).Logger(), rec)
			out.Index = i
			outcomes[i] = out
			return nil
		})
	}
	g.Wait()

	return outcomes
}

func (s *Service) processRecord(ctx context.Context, log zerolog.Logger, rec *Record) RecordOutcome {
	out := RecordOutcome{State: StateNormalized}

	if err := ctx.Err(); err != nil {
		s.fail(log, &out, ReasonCancelled, err)
		return out
	}

	subject, err := BuildSubject(rec)
	if err != nil {
		s.fail(log, &out, ReasonInvalidBirthDate, err)
		return out
	}
	out.State = StateSubjectBuilt

	id, err := s.create(ctx, fhirmodels.ResourcePatient, subject.ToFHIR())
	if err != nil {
		reason := ReasonSubjectPersistFailed
		if isCancellation(ctx, err) {
			reason = ReasonCancelled
		}
		s.fail(log, &out, reason, err)
		return out
	}
	out.SubjectID = id
	out.State = StateSubjectPersisted

	out.Derived = s.persistDerived(ctx, log, BuildDerivedResources(id, rec.Annotation))
	for _, d := range out.Derived {
		if d.Failed() {
			out.Partial = true
		}
	}
	out.State = StateComplete

	if out.Partial {
		s.metrics.RecordOutcome("partial")
	} else {
		s.metrics.RecordOutcome(string(StateComplete))
	}
	return out
}

// persistDerived creates every derived resource concurrently. Failures are
// recorded on the returned outcomes only.
func (s *Service) persistDerived(ctx context.Context, log zerolog.Logger, derived []DerivedResource) []DerivedOutcome {
	if len(derived) == 0 {
		return nil
	}
	results := make([]DerivedOutcome, len(derived))

	var g errgroup.Group
	for i := range derived {
		d := &derived[i]
		g.Go(func() error {
			res := DerivedOutcome{ResourceType: d.Kind, Trigger: d.Trigger}
			id, err := s.create(ctx, d.Kind, d.ToFHIR())
			if err != nil {
				res.Error = err.Error()
				s.metrics.DerivedResource(d.Kind, "failed")
				log.Warn().Err(err).
					Str("resource_type", d.Kind).
					Str("subject_id", d.SubjectID).
					Msg("derived resource not persisted")
			} else {
				res.ID = id
				s.metrics.DerivedResource(d.Kind, "created")
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	return results
}

func (s *Service) create(ctx context.Context, resourceType string, resource map[string]interface{}) (string, error) {
	start := time.Now()
	id, err := s.store.Create(ctx, resourceType, resource)
	s.metrics.ObserveCreate(resourceType, time.Since(start))
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errEmptyID
	}
	return id, nil
}

var errEmptyID = errors.New("remote store returned an empty id")

func (s *Service) fail(log zerolog.Logger, out *RecordOutcome, reason FailureReason, err error) {
	out.FailedAt = out.State
	out.State = StateFailed
	out.Reason = reason
	out.Error = err.Error()

	s.metrics.RecordOutcome(string(StateFailed))
	log.Warn().Err(err).
		Str("reason", string(reason)).
		Str("failed_at", string(out.FailedAt)).
		Msg("record failed")
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}
