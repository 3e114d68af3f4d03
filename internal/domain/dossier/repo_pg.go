package dossier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/portal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const dossierCols = `id, patient_id, number, note,
	consultations, prescriptions, lab_results, documents, imaging,
	version_id, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*Dossier, error) {
	var d Dossier
	var cons, pres, labs, docs, imgs []byte
	if err := row.Scan(&d.ID, &d.PatientID, &d.Number, &d.Note,
		&cons, &pres, &labs, &docs, &imgs,
		&d.VersionID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	for _, col := range []struct {
		raw []byte
		dst interface{}
	}{
		{cons, &d.Consultations}, {pres, &d.Prescriptions}, {labs, &d.LabResults},
		{docs, &d.Documents}, {imgs, &d.Imaging},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode dossier %s: %w", d.ID, err)
		}
	}
	d.normalize()
	return &d, nil
}

func encodeSequences(d *Dossier) ([5][]byte, error) {
	var out [5][]byte
	for i, v := range []interface{}{d.Consultations, d.Prescriptions, d.LabResults, d.Documents, d.Imaging} {
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("encode dossier %s: %w", d.ID, err)
		}
		out[i] = b
	}
	return out, nil
}

// Unique constraints of the dossier table (PostgreSQL default names).
const (
	constraintPatient = "dossier_patient_id_key"
	constraintNumber  = "dossier_number_key"
)

// errNumberTaken is a clash on the generated dossier number; Create retries.
var errNumberTaken = errors.New("dossier number already in use")

// mapErr translates driver errors. Anything that is not a server-side SQL
// error (dial failures, timeouts, closed pool) is ErrStoreUnavailable.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{ErrNotFound, ErrDossierExists, ErrIndexOutOfRange, ErrInvalidKind, ErrValidation} {
		if errors.Is(err, domain) {
			return err
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case constraintPatient:
				return ErrDossierExists
			case constraintNumber:
				return fmt.Errorf("%w: %s", errNumberTaken, pgErr.Detail)
			}
		}
		return fmt.Errorf("dossier store: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (r *repoPG) Create(ctx context.Context, d *Dossier) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	generated := d.Number == ""
	d.CreatedAt, d.UpdatedAt, d.VersionID = now, now, 1
	d.normalize()

	seq, err := encodeSequences(d)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		if generated {
			d.Number = NewNumber(now)
		}
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO dossier (id, patient_id, number, note,
				consultations, prescriptions, lab_results, documents, imaging,
				version_id, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			d.ID, d.PatientID, d.Number, d.Note,
			seq[0], seq[1], seq[2], seq[3], seq[4],
			d.VersionID, d.CreatedAt, d.UpdatedAt)
		err = mapErr(err)
		if !errors.Is(err, errNumberTaken) {
			return err
		}
		if !generated {
			return fmt.Errorf("%w: dossier number %s is already in use", ErrValidation, d.Number)
		}
	}
	return fmt.Errorf("%w: could not allocate a dossier number: %v", ErrStoreUnavailable, err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Dossier, error) {
	d, err := r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+dossierCols+` FROM dossier WHERE id = $1`, id))
	return d, mapErr(err)
}

func (r *repoPG) GetByPatient(ctx context.Context, patientID uuid.UUID) (*Dossier, error) {
	d, err := r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+dossierCols+` FROM dossier WHERE patient_id = $1`, patientID))
	return d, mapErr(err)
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Dossier, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM dossier`).Scan(&total); err != nil {
		return nil, 0, mapErr(err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+dossierCols+` FROM dossier ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	defer rows.Close()

	var items []*Dossier
	for rows.Next() {
		d, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, mapErr(err)
		}
		items = append(items, d)
	}
	return items, total, mapErr(rows.Err())
}

// mutate locks the row, applies fn in Go and writes the result back, all in
// one transaction.
func (r *repoPG) mutate(ctx context.Context, id uuid.UUID, fn mutation) (*Dossier, error) {
	var out *Dossier
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		conn := r.conn(ctx)
		d, err := r.scanRow(conn.QueryRow(ctx, `SELECT `+dossierCols+` FROM dossier WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		changed, err := applyMutation(d, fn, time.Now().UTC())
		if err != nil {
			return err
		}
		if changed {
			seq, err := encodeSequences(d)
			if err != nil {
				return err
			}
			if _, err := conn.Exec(ctx, `
				UPDATE dossier SET note=$2,
					consultations=$3, prescriptions=$4, lab_results=$5, documents=$6, imaging=$7,
					version_id=$8, updated_at=$9
				WHERE id = $1`,
				d.ID, d.Note, seq[0], seq[1], seq[2], seq[3], seq[4], d.VersionID, d.UpdatedAt); err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *repoPG) Update(ctx context.Context, id uuid.UUID, u DossierUpdate) (*Dossier, error) {
	return r.mutate(ctx, id, updateFields(u))
}

func (r *repoPG) AppendSubrecord(ctx context.Context, id uuid.UUID, rec Subrecord) (*Dossier, error) {
	return r.mutate(ctx, id, appendSubrecord(rec))
}

func (r *repoPG) RemoveSubrecord(ctx context.Context, id uuid.UUID, kind SubrecordKind, index int) (*Dossier, error) {
	return r.mutate(ctx, id, removeSubrecord(kind, index))
}

func (r *repoPG) AppendDocumentRefs(ctx context.Context, id uuid.UUID, locators []string) (*Dossier, error) {
	return r.mutate(ctx, id, appendDocumentRefs(locators))
}

func (r *repoPG) RemoveDocumentRef(ctx context.Context, id uuid.UUID, locator string) (*Dossier, error) {
	return r.mutate(ctx, id, removeDocumentRef(locator))
}

func (r *repoPG) AppendImagingRefs(ctx context.Context, id uuid.UUID, refs []ImagingRef) (*Dossier, error) {
	return r.mutate(ctx, id, appendImagingRefs(refs))
}

func (r *repoPG) RemoveImagingRef(ctx context.Context, id uuid.UUID, instanceID string) (*Dossier, error) {
	return r.mutate(ctx, id, removeImagingRef(instanceID))
}

// FindImagingOwners uses the GIN index on imaging.
func (r *repoPG) FindImagingOwners(ctx context.Context, instanceID string) ([]uuid.UUID, error) {
	filter, err := json.Marshal([]map[string]string{{"instance_id": instanceID}})
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM dossier WHERE imaging @> $1::jsonb ORDER BY id`, filter)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var owners []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr(err)
		}
		owners = append(owners, id)
	}
	return owners, mapErr(rows.Err())
}
