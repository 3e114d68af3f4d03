package dossier

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), ErrNotFound},
		{"patient already has a dossier", &pgconn.PgError{Code: "23505", ConstraintName: "dossier_patient_id_key"}, ErrDossierExists},
		{"number clash", &pgconn.PgError{Code: "23505", ConstraintName: "dossier_number_key"}, errNumberTaken},
		{"domain passthrough", fmt.Errorf("%w: 3 of 1", ErrIndexOutOfRange), ErrIndexOutOfRange},
		{"connection", errors.New("dial tcp: connection refused"), ErrStoreUnavailable},
		{"deadline", context.DeadlineExceeded, ErrStoreUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapErr(tt.in); !errors.Is(got, tt.want) {
				t.Errorf("mapErr(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMapErr_OtherSQLErrorIsNotUnavailable(t *testing.T) {
	err := mapErr(&pgconn.PgError{Code: "22P02", Message: "invalid input"})
	if errors.Is(err, ErrStoreUnavailable) {
		t.Error("a rejected statement should not be reported as store unavailable")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Error("expected the driver error to stay wrapped")
	}
}

func TestMapErr_NumberClashIsNotDossierExists(t *testing.T) {
	err := mapErr(&pgconn.PgError{Code: "23505", ConstraintName: "dossier_number_key", Detail: "Key (number)=(DOS-2025-0a0b0c0d0e) already exists."})
	if errors.Is(err, ErrDossierExists) {
		t.Error("a number clash must not read as an existing dossier for the patient")
	}
	if !errors.Is(err, errNumberTaken) {
		t.Errorf("expected errNumberTaken, got %v", err)
	}
}

func TestMapErr_UnknownUniqueConstraint(t *testing.T) {
	err := mapErr(&pgconn.PgError{Code: "23505", ConstraintName: "dossier_pkey"})
	if errors.Is(err, ErrDossierExists) || errors.Is(err, errNumberTaken) {
		t.Errorf("unexpected domain mapping for %v", err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Error("expected the driver error to stay wrapped")
	}
}

func TestMapErr_Nil(t *testing.T) {
	if mapErr(nil) != nil {
		t.Error("expected nil")
	}
}
