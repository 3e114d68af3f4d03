package dossier

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("dossier not found")
	ErrNoDossier          = errors.New("patient has no dossier")
	ErrDossierExists      = errors.New("patient already has a dossier")
	ErrNoValidFiles       = errors.New("no valid files")
	ErrArchiveUnreachable = errors.New("imaging archive unreachable")
	ErrArchiveRejected    = errors.New("imaging archive rejected the file")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrPartialFailure     = errors.New("partial failure")
	ErrIndexOutOfRange    = errors.New("sub-record index out of range")
	ErrInvalidKind        = errors.New("invalid sub-record kind")
	ErrValidation         = errors.New("validation failed")
)

// AttachmentState is the lifecycle position of one attachment as seen by
// the Manager.
type AttachmentState string

const (
	StateAbsent            AttachmentState = "absent"
	StateIngesting         AttachmentState = "ingesting"
	StateReferenced        AttachmentState = "referenced"
	StateOrphanedInArchive AttachmentState = "orphaned-in-archive"
	StateDeleting          AttachmentState = "deleting"
	StateDanglingReference AttachmentState = "dangling-reference"
)

// Operation names carried by PartialFailureError.
const (
	OpAppendImagingRefs  = "append-imaging-refs"
	OpRemoveImagingRef   = "remove-imaging-ref"
	OpAppendDocumentRefs = "append-document-refs"
	OpRemoveDocumentRef  = "remove-document-ref"
)

// PartialFailureError reports that the binary store changed but the
// dossier did not follow. Retrying Op alone repairs it.
type PartialFailureError struct {
	DossierID string
	Op        string
	State     AttachmentState
	// Orphaned are stored binaries the dossier does not reference.
	Orphaned []string
	// Dangling are references whose binary is gone.
	Dangling []string
	Err      error
}

func (e *PartialFailureError) Error() string {
	ids := append(append([]string(nil), e.Orphaned...), e.Dangling...)
	return fmt.Sprintf("partial failure in %s (%s) for dossier %s [%s]: %v",
		e.Op, e.State, e.DossierID, strings.Join(ids, ","), e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }

// UnreachableError carries binaries a backend stored before it became
// unreachable; nothing references them. Err wraps ErrArchiveUnreachable or
// ErrStoreUnavailable.
type UnreachableError struct {
	Orphaned []string
	Err      error
}

func (e *UnreachableError) Error() string {
	if len(e.Orphaned) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (orphaned: %s)", e.Err, strings.Join(e.Orphaned, ","))
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// NoValidFilesError lists why each file was refused. It also matches
// ErrArchiveRejected when the archive refused at least one of them.
type NoValidFilesError struct {
	Rejected []Rejection
}

func (e *NoValidFilesError) Error() string {
	return fmt.Sprintf("%v: %d file(s) rejected", ErrNoValidFiles, len(e.Rejected))
}

func (e *NoValidFilesError) Is(target error) bool {
	switch target {
	case ErrNoValidFiles:
		return true
	case ErrArchiveRejected:
		for _, r := range e.Rejected {
			if r.Reason == ReasonArchiveRejected || r.Reason == ReasonArchiveDuplicate {
				return true
			}
		}
	}
	return false
}
