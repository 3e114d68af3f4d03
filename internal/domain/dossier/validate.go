package dossier

import "strings"

// MaxAttachmentSize is the per-file upload ceiling (10 MiB).
const MaxAttachmentSize = 10 * 1024 * 1024

const dicomExtension = ".dcm"

// Rejection reasons.
const (
	ReasonWrongExtension   = "wrong-extension"
	ReasonTooLarge         = "too-large"
	ReasonArchiveRejected  = "archive-rejected"
	ReasonArchiveDuplicate = "archive-duplicate"
	ReasonStoreRejected    = "store-rejected"
)

// FileInfo is what the validator sees of an upload.
type FileInfo struct {
	Name string
	Size int64
}

// Rejection is a file refused by validation, the archive or the file store.
type Rejection struct {
	FileName string `json:"file_name"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// Partition splits a batch. Every input lands in exactly one of the two
// lists, in input order. Accepted holds indexes into the input.
type Partition struct {
	Accepted []int
	Rejected []Rejection
}

// ValidateImaging accepts .dcm files (any case) up to MaxAttachmentSize.
// The extension is checked before the size.
func ValidateImaging(files []FileInfo) Partition {
	var p Partition
	for i, f := range files {
		switch {
		case !strings.HasSuffix(strings.ToLower(f.Name), dicomExtension):
			p.Rejected = append(p.Rejected, Rejection{FileName: f.Name, Reason: ReasonWrongExtension})
		case f.Size > MaxAttachmentSize:
			p.Rejected = append(p.Rejected, Rejection{FileName: f.Name, Reason: ReasonTooLarge})
		default:
			p.Accepted = append(p.Accepted, i)
		}
	}
	return p
}

// ValidateDocuments only enforces the size ceiling.
func ValidateDocuments(files []FileInfo) Partition {
	var p Partition
	for i, f := range files {
		if f.Size > MaxAttachmentSize {
			p.Rejected = append(p.Rejected, Rejection{FileName: f.Name, Reason: ReasonTooLarge})
			continue
		}
		p.Accepted = append(p.Accepted, i)
	}
	return p
}
