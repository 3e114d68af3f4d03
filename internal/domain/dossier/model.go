package dossier

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/portal/internal/platform/archive"
)

// Dossier is a patient's medical record. It owns its sub-records and the
// references to both kinds of attachment.
type Dossier struct {
	ID            uuid.UUID      `json:"id"`
	PatientID     uuid.UUID      `json:"patient_id"`
	Number        string         `json:"number"`
	Note          string         `json:"note"`
	Consultations []Consultation `json:"consultations"`
	Prescriptions []Prescription `json:"prescriptions"`
	LabResults    []LabResult    `json:"lab_results"`
	Documents     []string       `json:"documents"`
	Imaging       []ImagingRef   `json:"imaging"`
	VersionID     int            `json:"version_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type Consultation struct {
	Date      time.Time `json:"date"`
	Diagnosis string    `json:"diagnosis"`
	Treatment string    `json:"treatment,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

type Prescription struct {
	Date       time.Time `json:"date"`
	Medication string    `json:"medication"`
	Dosage     string    `json:"dosage,omitempty"`
	Frequency  string    `json:"frequency,omitempty"`
	Duration   string    `json:"duration,omitempty"`
}

type LabResult struct {
	Date     time.Time `json:"date"`
	TestName string    `json:"test_name"`
	Result   string    `json:"result"`
	Notes    string    `json:"notes,omitempty"`
}

// ImagingRef points at an instance held by the imaging archive. InstanceID
// is issued by the archive.
type ImagingRef struct {
	InstanceID string                   `json:"instance_id"`
	FileName   string                   `json:"file_name,omitempty"`
	Metadata   archive.InstanceMetadata `json:"metadata"`
	AttachedAt time.Time                `json:"attached_at"`
}

// SubrecordKind names one of the three embedded sequences.
type SubrecordKind string

const (
	KindConsultation SubrecordKind = "consultation"
	KindPrescription SubrecordKind = "prescription"
	KindLabResult    SubrecordKind = "lab_result"
)

func ParseSubrecordKind(s string) (SubrecordKind, error) {
	switch k := SubrecordKind(s); k {
	case KindConsultation, KindPrescription, KindLabResult:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Subrecord carries exactly one of the three value types, matching Kind.
type Subrecord struct {
	Kind         SubrecordKind `json:"kind"`
	Consultation *Consultation `json:"consultation,omitempty"`
	Prescription *Prescription `json:"prescription,omitempty"`
	LabResult    *LabResult    `json:"lab_result,omitempty"`
}

// DossierUpdate replaces the fields that are non-nil. Sequences are replaced
// whole.
type DossierUpdate struct {
	Note          *string         `json:"note,omitempty"`
	Consultations *[]Consultation `json:"consultations,omitempty"`
	Prescriptions *[]Prescription `json:"prescriptions,omitempty"`
	LabResults    *[]LabResult    `json:"lab_results,omitempty"`
}

func (u DossierUpdate) IsEmpty() bool {
	return u.Note == nil && u.Consultations == nil && u.Prescriptions == nil && u.LabResults == nil
}

// HasImaging reports whether instanceID is referenced.
func (d *Dossier) HasImaging(instanceID string) bool {
	for _, ref := range d.Imaging {
		if ref.InstanceID == instanceID {
			return true
		}
	}
	return false
}

func (d *Dossier) HasDocument(locator string) bool {
	for _, l := range d.Documents {
		if l == locator {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching shared
// state.
func (d *Dossier) Clone() *Dossier {
	out := *d
	out.Consultations = append([]Consultation(nil), d.Consultations...)
	out.Prescriptions = append([]Prescription(nil), d.Prescriptions...)
	out.LabResults = append([]LabResult(nil), d.LabResults...)
	out.Documents = append([]string(nil), d.Documents...)
	out.Imaging = append([]ImagingRef(nil), d.Imaging...)
	return &out
}

// normalize replaces nil sequences with empty ones so they encode as [].
func (d *Dossier) normalize() {
	if d.Consultations == nil {
		d.Consultations = []Consultation{}
	}
	if d.Prescriptions == nil {
		d.Prescriptions = []Prescription{}
	}
	if d.LabResults == nil {
		d.LabResults = []LabResult{}
	}
	if d.Documents == nil {
		d.Documents = []string{}
	}
	if d.Imaging == nil {
		d.Imaging = []ImagingRef{}
	}
}

// NewNumber returns a human readable dossier number, DOS-<year>-<10 hex>.
// Numbers are random; the stores reject and regenerate a clash.
func NewNumber(now time.Time) string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		copy(b, uuid.New().NodeID())
	}
	return fmt.Sprintf("DOS-%d-%s", now.Year(), hex.EncodeToString(b))
}
