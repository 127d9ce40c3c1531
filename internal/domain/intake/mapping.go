package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/intake/pkg/fhirmodels"
)

// BirthDateLayout is the day/month/year layout used by the intake sheets.
const BirthDateLayout = "02/01/2006"

// ErrInvalidBirthDate is wrapped by every birth date parse or build failure.
var ErrInvalidBirthDate = errors.New("invalid birth date")

// DateError reports a birth date that is not a real DD/MM/YYYY date.
type DateError struct {
	Value string
	Err   error
}

func (e *DateError) Error() string {
	return fmt.Sprintf("invalid birth date %q: expected DD/MM/YYYY", e.Value)
}

func (e *DateError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidBirthDate}
	}
	return []error{ErrInvalidBirthDate, e.Err}
}

var genderMap = map[string]string{
	"Masculino": fhirmodels.GenderMale,
	"Feminino":  fhirmodels.GenderFemale,
}

// MapGender translates the sheet's gender vocabulary to FHIR
// AdministrativeGender. Anything unrecognized is "unknown".
func MapGender(raw string) string {
	if g, ok := genderMap[raw]; ok {
		return g
	}
	return fhirmodels.GenderUnknown
}

// FormatPhone keeps only the ASCII digits of raw, in order.
func FormatPhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ParseBirthDate parses exactly DD/MM/YYYY and rejects dates that do not
// exist on the calendar.
func ParseBirthDate(raw string) (time.Time, error) {
	if len(raw) != len(BirthDateLayout) {
		return time.Time{}, &DateError{Value: raw}
	}
	t, err := time.Parse(BirthDateLayout, raw)
	if err != nil {
		return time.Time{}, &DateError{Value: raw, Err: err}
	}
	return t, nil
}
