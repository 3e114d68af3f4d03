package dossier

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreateDossier(ctx context.Context, patientID uuid.UUID, note string) (*Dossier, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	d := &Dossier{PatientID: patientID, Note: strings.TrimSpace(note)}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) GetDossier(ctx context.Context, id uuid.UUID) (*Dossier, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByPatient(ctx context.Context, patientID uuid.UUID) (*Dossier, error) {
	return s.repo.GetByPatient(ctx, patientID)
}

func (s *Service) ListDossiers(ctx context.Context, limit, offset int) ([]*Dossier, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) UpdateDossier(ctx context.Context, id uuid.UUID, u DossierUpdate) (*Dossier, error) {
	if u.Consultations != nil {
		for i := range *u.Consultations {
			if err := validateConsultation(&(*u.Consultations)[i]); err != nil {
				return nil, err
			}
		}
	}
	if u.Prescriptions != nil {
		for i := range *u.Prescriptions {
			if err := validatePrescription(&(*u.Prescriptions)[i]); err != nil {
				return nil, err
			}
		}
	}
	if u.LabResults != nil {
		for i := range *u.LabResults {
			if err := validateLabResult(&(*u.LabResults)[i]); err != nil {
				return nil, err
			}
		}
	}
	return s.repo.Update(ctx, id, u)
}

func (s *Service) AppendSubrecord(ctx context.Context, id uuid.UUID, rec Subrecord) (*Dossier, error) {
	if _, err := ParseSubrecordKind(string(rec.Kind)); err != nil {
		return nil, err
	}
	var err error
	switch rec.Kind {
	case KindConsultation:
		err = requirePayload(rec.Consultation != nil, rec.Kind)
		if err == nil {
			err = validateConsultation(rec.Consultation)
		}
	case KindPrescription:
		err = requirePayload(rec.Prescription != nil, rec.Kind)
		if err == nil {
			err = validatePrescription(rec.Prescription)
		}
	case KindLabResult:
		err = requirePayload(rec.LabResult != nil, rec.Kind)
		if err == nil {
			err = validateLabResult(rec.LabResult)
		}
	}
	if err != nil {
		return nil, err
	}
	return s.repo.AppendSubrecord(ctx, id, rec)
}

func (s *Service) RemoveSubrecord(ctx context.Context, id uuid.UUID, kind SubrecordKind, index int) (*Dossier, error) {
	if _, err := ParseSubrecordKind(string(kind)); err != nil {
		return nil, err
	}
	return s.repo.RemoveSubrecord(ctx, id, kind, index)
}

func requirePayload(ok bool, kind SubrecordKind) error {
	if !ok {
		return fmt.Errorf("%w: %s payload is required", ErrValidation, kind)
	}
	return nil
}

func validateConsultation(c *Consultation) error {
	if c.Date.IsZero() {
		return fmt.Errorf("%w: consultation date is required", ErrValidation)
	}
	if strings.TrimSpace(c.Diagnosis) == "" {
		return fmt.Errorf("%w: consultation diagnosis is required", ErrValidation)
	}
	return nil
}

func validatePrescription(p *Prescription) error {
	if p.Date.IsZero() {
		return fmt.Errorf("%w: prescription date is required", ErrValidation)
	}
	if strings.TrimSpace(p.Medication) == "" {
		return fmt.Errorf("%w: medication is required", ErrValidation)
	}
	return nil
}

func validateLabResult(l *LabResult) error {
	if l.Date.IsZero() {
		return fmt.Errorf("%w: lab result date is required", ErrValidation)
	}
	if strings.TrimSpace(l.TestName) == "" {
		return fmt.Errorf("%w: test_name is required", ErrValidation)
	}
	return nil
}
