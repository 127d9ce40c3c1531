package intake

import (
	"errors"
	"fmt"

	"github.com/ehr/intake/internal/platform/tabular"
)

var (
	ErrUnknownColumn = errors.New("unknown column")
	ErrMissingField  = errors.New("missing field")
)

// NormalizationErrorKind distinguishes the two ways a row can be rejected.
type NormalizationErrorKind string

const (
	UnknownColumn NormalizationErrorKind = "unknown_column"
	MissingField  NormalizationErrorKind = "missing_field"
)

// NormalizationError names the first offending column or field of a row.
type NormalizationError struct {
	Kind NormalizationErrorKind
	Name string
}

func (e *NormalizationError) Error() string {
	if e.Kind == UnknownColumn {
		return fmt.Sprintf("unknown column %q", e.Name)
	}
	return fmt.Sprintf("missing field %q", e.Name)
}

func (e *NormalizationError) Unwrap() error {
	if e.Kind == UnknownColumn {
		return ErrUnknownColumn
	}
	return ErrMissingField
}

// Canonical field names.
const (
	FieldName       = "name"
	FieldCPF        = "cpf"
	FieldBirthDate  = "birth_date"
	FieldGender     = "gender"
	FieldPhone      = "phone"
	FieldCountry    = "country"
	FieldAnnotation = "annotation"
)

type column struct {
	header string
	field  string
}

// columns is the fixed header dictionary. Its order is the order in which
// missing fields are reported.
var columns = []column{
	{"Nome", FieldName},
	{"CPF", FieldCPF},
	{"Data de Nascimento", FieldBirthDate},
	{"Gênero", FieldGender},
	{"Telefone", FieldPhone},
	{"País de Nascimento", FieldCountry},
	{"Observação", FieldAnnotation},
}

var headerToField = func() map[string]string {
	m := make(map[string]string, len(columns))
	for _, c := range columns {
		m[c.header] = c.field
	}
	return m
}()

// Headers returns the accepted column headers in dictionary order.
func Headers() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.header
	}
	return out
}

// Record is one validated intake row. Every field is present; an empty
// string is a value.
type Record struct {
	Name       string `json:"name"`
	NationalID string `json:"national_id"`
	BirthDate  string `json:"birth_date"`
	Gender     string `json:"gender"`
	Phone      string `json:"phone"`
	Country    string `json:"country"`
	Annotation string `json:"annotation"`
}

// Normalize maps a decoded row onto a Record. The first header outside the
// dictionary, in column order, is reported as UnknownColumn. Otherwise the
// first dictionary field without a column is reported as MissingField. A
// header repeated in the row keeps its last value.
func Normalize(row tabular.Row) (*Record, error) {
	values := make(map[string]string, len(columns))
	for _, f := range row {
		field, ok := headerToField[f.Name]
		if !ok {
			return nil, &NormalizationError{Kind: UnknownColumn, Name: f.Name}
		}
		values[field] = f.Value
	}

	for _, c := range columns {
		if _, ok := values[c.field]; !ok {
			return nil, &NormalizationError{Kind: MissingField, Name: c.field}
		}
	}

	return &Record{
		Name:       values[FieldName],
		NationalID: values[FieldCPF],
		BirthDate:  values[FieldBirthDate],
		Gender:     values[FieldGender],
		Phone:      values[FieldPhone],
		Country:    values[FieldCountry],
		Annotation: values[FieldAnnotation],
	}, nil
}
