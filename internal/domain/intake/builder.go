package intake

import (
	"fmt"
	"strings"

	"github.com/ehr/intake/internal/platform/fhir"
	"github.com/ehr/intake/pkg/fhirmodels"
)

// BuildError reports a record that cannot be turned into a Patient.
type BuildError struct {
	Field string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build patient: %s: %v", e.Field, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Subject is the Patient payload built from a Record. It has no id until
// the remote store assigns one.
type Subject struct {
	Name       fhir.HumanName
	Identifier fhir.Identifier
	BirthDate  string
	Gender     string
	Telecom    fhir.ContactPoint
	Address    fhir.Address
}

func (s *Subject) ToFHIR() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": fhirmodels.ResourcePatient,
		"name":         []fhir.HumanName{s.Name},
		"identifier":   []fhir.Identifier{s.Identifier},
		"birthDate":    s.BirthDate,
		"gender":       s.Gender,
		"telecom":      []fhir.ContactPoint{s.Telecom},
		"address":      []fhir.Address{s.Address},
	}
}

// BuildSubject builds the Patient for rec. The last word of the name is the
// family name and the words before it are given names.
func BuildSubject(rec *Record) (*Subject, error) {
	birth, err := ParseBirthDate(rec.BirthDate)
	if err != nil {
		return nil, &BuildError{Field: FieldBirthDate, Err: err}
	}

	name := fhir.HumanName{Use: fhirmodels.NameUseOfficial}
	if words := strings.Fields(rec.Name); len(words) > 0 {
		name.Family = words[len(words)-1]
		name.Given = words[:len(words)-1]
	}

	return &Subject{
		Name: name,
		Identifier: fhir.Identifier{
			System: fhirmodels.SystemBrazilCPF,
			Value:  rec.NationalID,
		},
		BirthDate: birth.Format("2006-01-02"),
		Gender:    MapGender(rec.Gender),
		Telecom: fhir.ContactPoint{
			System: fhirmodels.ContactSystemPhone,
			Value:  FormatPhone(rec.Phone),
			Use:    fhirmodels.ContactUseMobile,
		},
		Address: fhir.Address{Country: rec.Country},
	}, nil
}

// DerivedResource is a Condition or Observation inferred from the
// annotation. Value and Status are only set on Observations.
type DerivedResource struct {
	Kind      string
	Trigger   string
	Code      fhir.Coding
	Value     *fhir.Coding
	Status    string
	SubjectID string
}

func (d *DerivedResource) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": d.Kind,
		"code":         fhir.CodeableConcept{Coding: []fhir.Coding{d.Code}},
		"subject":      fhir.Reference{Reference: fhir.FormatReference(fhirmodels.ResourcePatient, d.SubjectID)},
	}
	if d.Value != nil {
		result["valueCodeableConcept"] = fhir.CodeableConcept{Coding: []fhir.Coding{*d.Value}}
	}
	if d.Status != "" {
		result["status"] = d.Status
	}
	return result
}

type derivedTemplate struct {
	trigger string
	kind    string
	code    fhir.Coding
	value   *fhir.Coding
	status  string
}

// derivedTemplates maps annotation keywords to the resource they produce.
// Matching is case-sensitive and every matching keyword fires.
var derivedTemplates = []derivedTemplate{
	{
		trigger: "Gestante",
		kind:    fhirmodels.ResourceObservation,
		code:    fhir.Coding{System: fhirmodels.SystemSNOMED, Code: "301000119104", Display: "Pregnancy Status"},
		value:   &fhir.Coding{System: fhirmodels.SystemSNOMED, Code: "246075003", Display: "Pregnant"},
		status:  fhirmodels.ObsStatusFinal,
	},
	{
		trigger: "Diabético",
		kind:    fhirmodels.ResourceCondition,
		code:    fhir.Coding{System: fhirmodels.SystemSNOMED, Code: "44054006", Display: "Diabetes mellitus type 2"},
	},
	{
		trigger: "Hipertenso",
		kind:    fhirmodels.ResourceCondition,
		code:    fhir.Coding{System: fhirmodels.SystemSNOMED, Code: "38341003", Display: "Hypertension"},
	},
}

// BuildDerivedResources returns the resources triggered by annotation, in
// table order, each referencing subjectID.
func BuildDerivedResources(subjectID, annotation string) []DerivedResource {
	out := make([]DerivedResource, 0, len(derivedTemplates))
	if annotation == "" {
		return out
	}
	for _, t := range derivedTemplates {
		if !strings.Contains(annotation, t.trigger) {
			continue
		}
		d := DerivedResource{
			Kind:      t.kind,
			Trigger:   t.trigger,
			Code:      t.code,
			Status:    t.status,
			SubjectID: subjectID,
		}
		if t.value != nil {
			v := *t.value
			d.Value = &v
		}
		out = append(out, d)
	}
	return out
}
