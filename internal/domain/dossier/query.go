package dossier

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/portal/internal/platform/archive"
	"github.com/ehr/portal/internal/platform/blobstore"
)

// enrichLimit bounds concurrent archive and file store lookups per query.
const enrichLimit = 4

// Imaging enrichment outcomes.
const (
	ImagingAvailable           = "available"
	ImagingMetadataUnavailable = "metadata-unavailable"
	// ImagingMissing means the archive no longer has the instance.
	ImagingMissing = "missing"
)

type ImagingView struct {
	InstanceID        string                   `json:"instance_id"`
	FileName          string                   `json:"file_name,omitempty"`
	Metadata          archive.InstanceMetadata `json:"metadata"`
	MetadataAvailable bool                     `json:"metadata_available"`
	Modality          string                   `json:"modality"`
	Description       string                   `json:"description,omitempty"`
	PatientName       string                   `json:"patient_name,omitempty"`
	AcquiredAt        *time.Time               `json:"acquired_at,omitempty"`
	PreviewURL        string                   `json:"preview_url,omitempty"`
	PreviewAvailable  bool                     `json:"preview_available"`
	Status            string                   `json:"status"`
	AttachedAt        time.Time                `json:"attached_at"`
}

type DocumentView struct {
	Locator     string     `json:"locator"`
	FileName    string     `json:"file_name,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Size        int64      `json:"size,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	Available   bool       `json:"available"`
}

// DossierView is the dossier as shown to the portal pages.
type DossierView struct {
	ID            uuid.UUID      `json:"id"`
	PatientID     uuid.UUID      `json:"patient_id"`
	Number        string         `json:"number"`
	Note          string         `json:"note"`
	Consultations []Consultation `json:"consultations"`
	Prescriptions []Prescription `json:"prescriptions"`
	LabResults    []LabResult    `json:"lab_results"`
	Documents     []DocumentView `json:"documents"`
	Imaging       []ImagingView  `json:"imaging"`
	VersionID     int            `json:"version_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// QueryService builds read views. Archive or file store failures degrade
// the affected entry only; the dossier's own data is always returned.
type QueryService struct {
	repo    Repository
	archive ImagingArchive
	files   blobstore.BlobStore
	logger  zerolog.Logger
}

func NewQueryService(repo Repository, arch ImagingArchive, files blobstore.BlobStore, logger zerolog.Logger) *QueryService {
	return &QueryService{
		repo:    repo,
		archive: arch,
		files:   files,
		logger:  logger.With().Str("component", "dossier-query").Logger(),
	}
}

func (q *QueryService) GetByPatient(ctx context.Context, patientID uuid.UUID) (*DossierView, error) {
	d, err := q.repo.GetByPatient(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoDossier
	}
	if err != nil {
		return nil, err
	}
	return q.view(ctx, d), nil
}

func (q *QueryService) view(ctx context.Context, d *Dossier) *DossierView {
	v := &DossierView{
		ID:            d.ID,
		PatientID:     d.PatientID,
		Number:        d.Number,
		Note:          d.Note,
		Consultations: d.Consultations,
		Prescriptions: d.Prescriptions,
		LabResults:    d.LabResults,
		Documents:     make([]DocumentView, len(d.Documents)),
		Imaging:       make([]ImagingView, len(d.Imaging)),
		VersionID:     d.VersionID,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}

	// Tasks never return an error, so Wait only joins.
	var g errgroup.Group
	g.SetLimit(enrichLimit)
	for i, ref := range d.Imaging {
		i, ref := i, ref
		g.Go(func() error {
			v.Imaging[i] = q.imagingView(ctx, ref)
			return nil
		})
	}
	for i, locator := range d.Documents {
		i, locator := i, locator
		g.Go(func() error {
			v.Documents[i] = q.documentView(ctx, locator)
			return nil
		})
	}
	_ = g.Wait()
	return v
}

func (q *QueryService) imagingView(ctx context.Context, ref ImagingRef) ImagingView {
	iv := ImagingView{
		InstanceID: ref.InstanceID,
		FileName:   ref.FileName,
		Metadata:   ref.Metadata,
		AttachedAt: ref.AttachedAt,
	}

	md, err := q.archive.FetchInstanceMetadata(ctx, ref.InstanceID)
	switch {
	case errors.Is(err, archive.ErrInstanceNotFound):
		q.logger.Warn().Str("instance_id", ref.InstanceID).Msg("referenced instance missing from archive")
		iv.Status = ImagingMissing
		return withDisplayFields(iv)
	case err != nil:
		q.logger.Warn().Err(err).Str("instance_id", ref.InstanceID).Msg("instance metadata unavailable")
		iv.Status = ImagingMetadataUnavailable
	default:
		iv.Metadata = md
		iv.MetadataAvailable = true
		iv.Status = ImagingAvailable
	}

	url, ok, err := q.archive.ResolvePresentationURL(ctx, ref.InstanceID)
	switch {
	case errors.Is(err, archive.ErrInstanceNotFound):
		iv.Status = ImagingMissing
		iv.MetadataAvailable = false
	case err != nil:
		q.logger.Warn().Err(err).Str("instance_id", ref.InstanceID).Msg("preview unavailable")
	case ok:
		iv.PreviewURL = url
		iv.PreviewAvailable = true
	}
	return withDisplayFields(iv)
}

func withDisplayFields(iv ImagingView) ImagingView {
	iv.Modality = iv.Metadata.ModalityOrUnknown()
	iv.Description = iv.Metadata.Description()
	iv.PatientName = iv.Metadata.DisplayPatientName()
	if t := iv.Metadata.Acquired(); !t.IsZero() {
		iv.AcquiredAt = &t
	}
	return iv
}

func (q *QueryService) documentView(ctx context.Context, locator string) DocumentView {
	dv := DocumentView{Locator: locator}
	meta, err := q.files.GetMetadata(ctx, locator)
	if err != nil {
		if !errors.Is(err, blobstore.ErrBlobNotFound) {
			q.logger.Warn().Err(err).Str("locator", locator).Msg("document metadata unavailable")
		}
		return dv
	}
	created := meta.CreatedAt
	dv.FileName = meta.FileName
	dv.ContentType = meta.ContentType
	dv.Size = meta.Size
	dv.CreatedAt = &created
	dv.Available = true
	return dv
}
