package intake

import (
	"time"

	"github.com/google/uuid"
)

// RecordState is a step of the per-record pipeline.
type RecordState string

const (
	StateReceived         RecordState = "received"
	StateNormalized       RecordState = "normalized"
	StateSubjectBuilt     RecordState = "subject_built"
	StateSubjectPersisted RecordState = "subject_persisted"
	StateComplete         RecordState = "complete"
	StateFailed           RecordState = "failed"
)

// FailureReason says why a record ended in StateFailed.
type FailureReason string

const (
	ReasonInvalidRow           FailureReason = "invalid_row"
	ReasonInvalidBirthDate     FailureReason = "invalid_birth_date"
	ReasonSubjectPersistFailed FailureReason = "subject_persist_failed"
	ReasonCancelled            FailureReason = "cancelled"
)

// DerivedOutcome is the result of persisting one derived resource.
type DerivedOutcome struct {
	ResourceType string `json:"resource_type"`
	Trigger      string `json:"trigger"`
	ID           string `json:"id,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (d DerivedOutcome) Failed() bool { return d.Error != "" }

// RecordOutcome is the final state of one record. FailedAt is the last
// state reached before the failure.
type RecordOutcome struct {
	Index     int              `json:"index"`
	State     RecordState      `json:"state"`
	FailedAt  RecordState      `json:"failed_at,omitempty"`
	Reason    FailureReason    `json:"reason,omitempty"`
	Error     string           `json:"error,omitempty"`
	SubjectID string           `json:"subject_id,omitempty"`
	Derived   []DerivedOutcome `json:"derived,omitempty"`
	Partial   bool             `json:"partial,omitempty"`
}

// Succeeded reports whether the Patient and every derived resource were
// persisted.
func (o RecordOutcome) Succeeded() bool {
	return o.State == StateComplete && !o.Partial
}

type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
}

// Summarize counts outcomes by result.
func Summarize(outcomes []RecordOutcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch {
		case o.State == StateFailed:
			s.Failed++
		case o.Partial:
			s.Partial++
		default:
			s.Succeeded++
		}
	}
	return s
}

// BatchReport is the stored result of one processed upload.
type BatchReport struct {
	ID        uuid.UUID       `json:"id"`
	Source    string          `json:"source,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Summary   Summary         `json:"summary"`
	Records   []RecordOutcome `json:"records"`
}

// HasFailures reports whether any record failed or lost a derived resource.
func (r *BatchReport) HasFailures() bool {
	return r.Summary.Failed > 0 || r.Summary.Partial > 0
}
