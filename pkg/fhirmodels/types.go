package fhirmodels

// Common FHIR value set constants used across the application.

// Terminology systems.
const (
	SystemSNOMED = "http://snomed.info/sct"

	// SystemBrazilCPF is the OID namespace for the Brazilian CPF (Cadastro de
	// Pessoas Físicas) taxpayer number.
	SystemBrazilCPF = "urn:oid:2.16.840.1.113883.13.237"
)

// Resource type names accepted by the remote store.
const (
	ResourcePatient     = "Patient"
	ResourceCondition   = "Condition"
	ResourceObservation = "Observation"
)

// ObservationStatus codes.
const (
	ObsStatusRegistered  = "registered"
	ObsStatusPreliminary = "preliminary"
	ObsStatusFinal       = "final"
	ObsStatusAmended     = "amended"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// HumanName use codes.
const (
	NameUseOfficial = "official"
	NameUseUsual    = "usual"
)

// ContactPoint system and use codes.
const (
	ContactSystemPhone = "phone"
	ContactSystemEmail = "email"

	ContactUseHome   = "home"
	ContactUseWork   = "work"
	ContactUseMobile = "mobile"
)
