package archive

import (
	"strings"
	"time"
)

// File is one upload pushed to the archive.
type File struct {
	Name string
	Data []byte
}

// Instance is an instance the archive accepted.
type Instance struct {
	ID       string           `json:"id"`
	FileName string           `json:"file_name"`
	Metadata InstanceMetadata `json:"metadata"`
}

// Reasons a file is refused at ingest.
const (
	RejectUnreadable = "unreadable"
	// RejectDuplicate means the archive already holds the same instance for
	// another dossier.
	RejectDuplicate = "duplicate"
)

// RejectedFile is a file the archive refused.
type RejectedFile struct {
	FileName string `json:"file_name"`
	Reason   string `json:"reason"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

type IngestResult struct {
	Instances []Instance
	Rejected  []RejectedFile
}

const dicomDate = "20060102"

// InstanceMetadata is the descriptive subset of an instance's DICOM header.
// Every field is optional; the accessors document the value used when a
// field is absent. PatientName is as encoded in the image and may differ
// from the portal's patient record.
type InstanceMetadata struct {
	AcquisitionDate  string `json:"acquisition_date,omitempty"`
	StudyDescription string `json:"study_description,omitempty"`
	PatientName      string `json:"patient_name,omitempty"`
	Modality         string `json:"modality,omitempty"`
	StudyInstanceUID string `json:"study_instance_uid,omitempty"`
	SOPInstanceUID   string `json:"sop_instance_uid,omitempty"`
}

// metadataFromTags reads Orthanc simplified tags. AcquisitionDate falls
// back to ContentDate, then StudyDate.
func metadataFromTags(tags map[string]interface{}) InstanceMetadata {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := tags[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
	return InstanceMetadata{
		AcquisitionDate:  str("AcquisitionDate", "ContentDate", "StudyDate"),
		StudyDescription: str("StudyDescription", "SeriesDescription"),
		PatientName:      str("PatientName"),
		Modality:         str("Modality"),
		StudyInstanceUID: str("StudyInstanceUID"),
		SOPInstanceUID:   str("SOPInstanceUID"),
	}
}

// Acquired parses AcquisitionDate. Zero time when absent or malformed.
func (m InstanceMetadata) Acquired() time.Time {
	t, err := time.Parse(dicomDate, m.AcquisitionDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Description is the study description, or "" when absent.
func (m InstanceMetadata) Description() string { return m.StudyDescription }

// DisplayPatientName converts the DICOM person name ("DOE^JOHN") to
// "DOE JOHN". Empty when absent.
func (m InstanceMetadata) DisplayPatientName() string {
	parts := strings.FieldsFunc(m.PatientName, func(r rune) bool { return r == '^' })
	return strings.Join(parts, " ")
}

// ModalityOrUnknown returns the modality code, or "OT" (other) when absent.
func (m InstanceMetadata) ModalityOrUnknown() string {
	if m.Modality == "" {
		return "OT"
	}
	return m.Modality
}

// IsZero reports whether no field was extracted.
func (m InstanceMetadata) IsZero() bool {
	return m == InstanceMetadata{}
}
