package dossier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the authoritative store of dossiers. Every mutator is atomic
// for its dossier and returns the dossier as stored afterwards; a failed
// mutator leaves the stored dossier untouched.
type Repository interface {
	Create(ctx context.Context, d *Dossier) error
	GetByID(ctx context.Context, id uuid.UUID) (*Dossier, error)
	// GetByPatient returns ErrNotFound, never an empty dossier, when the
	// patient has none.
	GetByPatient(ctx context.Context, patientID uuid.UUID) (*Dossier, error)
	List(ctx context.Context, limit, offset int) ([]*Dossier, int, error)
	Update(ctx context.Context, id uuid.UUID, u DossierUpdate) (*Dossier, error)
	AppendSubrecord(ctx context.Context, id uuid.UUID, rec Subrecord) (*Dossier, error)
	RemoveSubrecord(ctx context.Context, id uuid.UUID, kind SubrecordKind, index int) (*Dossier, error)
	// AppendDocumentRefs skips locators already present.
	AppendDocumentRefs(ctx context.Context, id uuid.UUID, locators []string) (*Dossier, error)
	// RemoveDocumentRef succeeds when the locator is absent.
	RemoveDocumentRef(ctx context.Context, id uuid.UUID, locator string) (*Dossier, error)
	// AppendImagingRefs skips instance IDs already present.
	AppendImagingRefs(ctx context.Context, id uuid.UUID, refs []ImagingRef) (*Dossier, error)
	// RemoveImagingRef succeeds when the instance is not referenced.
	RemoveImagingRef(ctx context.Context, id uuid.UUID, instanceID string) (*Dossier, error)
	// FindImagingOwners returns the IDs of every dossier referencing the
	// instance.
	FindImagingOwners(ctx context.Context, instanceID string) ([]uuid.UUID, error)
}

// createAttempts bounds how many generated numbers Create tries before
// giving up.
const createAttempts = 5

// mutation edits a private copy of a dossier and reports whether anything
// changed. Both backends run mutations under their per-dossier lock.
type mutation func(d *Dossier) (changed bool, err error)

func applyMutation(d *Dossier, fn mutation, now time.Time) (bool, error) {
	changed, err := fn(d)
	if err != nil || !changed {
		return false, err
	}
	d.VersionID++
	d.UpdatedAt = now
	return true, nil
}

func updateFields(u DossierUpdate) mutation {
	return func(d *Dossier) (bool, error) {
		if u.IsEmpty() {
			return false, nil
		}
		if u.Note != nil {
			d.Note = *u.Note
		}
		if u.Consultations != nil {
			d.Consultations = append([]Consultation{}, (*u.Consultations)...)
		}
		if u.Prescriptions != nil {
			d.Prescriptions = append([]Prescription{}, (*u.Prescriptions)...)
		}
		if u.LabResults != nil {
			d.LabResults = append([]LabResult{}, (*u.LabResults)...)
		}
		return true, nil
	}
}

func appendSubrecord(rec Subrecord) mutation {
	return func(d *Dossier) (bool, error) {
		switch {
		case rec.Kind == KindConsultation && rec.Consultation != nil:
			d.Consultations = append(d.Consultations, *rec.Consultation)
		case rec.Kind == KindPrescription && rec.Prescription != nil:
			d.Prescriptions = append(d.Prescriptions, *rec.Prescription)
		case rec.Kind == KindLabResult && rec.LabResult != nil:
			d.LabResults = append(d.LabResults, *rec.LabResult)
		default:
			return false, fmt.Errorf("%w: %s payload missing", ErrValidation, rec.Kind)
		}
		return true, nil
	}
}

func removeAt[T any](s []T, i int) ([]T, error) {
	if i < 0 || i >= len(s) {
		return s, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(s))
	}
	return append(s[:i:i], s[i+1:]...), nil
}

func removeSubrecord(kind SubrecordKind, index int) mutation {
	return func(d *Dossier) (bool, error) {
		var err error
		switch kind {
		case KindConsultation:
			d.Consultations, err = removeAt(d.Consultations, index)
		case KindPrescription:
			d.Prescriptions, err = removeAt(d.Prescriptions, index)
		case KindLabResult:
			d.LabResults, err = removeAt(d.LabResults, index)
		default:
			return false, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
		}
		return err == nil, err
	}
}

func appendDocumentRefs(locators []string) mutation {
	return func(d *Dossier) (bool, error) {
		changed := false
		for _, l := range locators {
			if l == "" || d.HasDocument(l) {
				continue
			}
			d.Documents = append(d.Documents, l)
			changed = true
		}
		return changed, nil
	}
}

func removeDocumentRef(locator string) mutation {
	return func(d *Dossier) (bool, error) {
		for i, l := range d.Documents {
			if l == locator {
				d.Documents = append(d.Documents[:i:i], d.Documents[i+1:]...)
				return true, nil
			}
		}
		return false, nil
	}
}

func appendImagingRefs(refs []ImagingRef) mutation {
	return func(d *Dossier) (bool, error) {
		changed := false
		for _, ref := range refs {
			if ref.InstanceID == "" || d.HasImaging(ref.InstanceID) {
				continue
			}
			d.Imaging = append(d.Imaging, ref)
			changed = true
		}
		return changed, nil
	}
}

func removeImagingRef(instanceID string) mutation {
	return func(d *Dossier) (bool, error) {
		for i, ref := range d.Imaging {
			if ref.InstanceID == instanceID {
				d.Imaging = append(d.Imaging[:i:i], d.Imaging[i+1:]...)
				return true, nil
			}
		}
		return false, nil
	}
}
