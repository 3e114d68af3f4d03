package dossier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/portal/internal/platform/archive"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/blobstore"
)

const instrumentationName = "github.com/ehr/portal/internal/domain/dossier"

// ImagingArchive is the subset of the archive client the dossier package
// depends on.
type ImagingArchive interface {
	Ingest(ctx context.Context, dossierID string, files []archive.File) (*archive.IngestResult, error)
	FetchInstanceMetadata(ctx context.Context, instanceID string) (archive.InstanceMetadata, error)
	Delete(ctx context.Context, instanceID string) error
	ResolvePresentationURL(ctx context.Context, instanceID string) (string, bool, error)
	ListDossierInstances(ctx context.Context, dossierID string) ([]string, error)
	InstanceReceivedAt(ctx context.Context, instanceID string) (time.Time, error)
}

// DefaultOrphanGrace is how old an unreferenced binary must be before
// PurgeOrphans deletes it. It must exceed the longest add request, whose
// binaries are unreferenced until its last step.
const DefaultOrphanGrace = time.Hour

// Upload is one file received from a client.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

func fileInfos(uploads []Upload) []FileInfo {
	out := make([]FileInfo, len(uploads))
	for i, u := range uploads {
		out[i] = FileInfo{Name: u.Name, Size: u.Size}
	}
	return out
}

type AddImagingResult struct {
	Dossier  *Dossier     `json:"dossier"`
	Added    []ImagingRef `json:"added"`
	Rejected []Rejection  `json:"rejected"`
}

type AddDocumentsResult struct {
	Dossier  *Dossier                  `json:"dossier"`
	Added    []*blobstore.BlobMetadata `json:"added"`
	Rejected []Rejection               `json:"rejected"`
}

type ReattachResult struct {
	Dossier  *Dossier     `json:"dossier"`
	Attached []ImagingRef `json:"attached"`
	// Missing lists instances the archive no longer has.
	Missing []string `json:"missing"`
}

// OrphanReport lists binaries and references that disagree for one dossier.
type OrphanReport struct {
	DossierID         uuid.UUID `json:"dossier_id"`
	ArchiveOrphans    []string  `json:"archive_orphans"`
	StoreOrphans      []string  `json:"store_orphans"`
	DanglingDocuments []string  `json:"dangling_documents"`
	// Recent lists unreferenced binaries PurgeOrphans left in place because
	// they are younger than the grace period.
	Recent []string `json:"recent,omitempty"`
}

func (r *OrphanReport) Empty() bool {
	return len(r.ArchiveOrphans) == 0 && len(r.StoreOrphans) == 0 && len(r.DanglingDocuments) == 0
}

// Manager keeps a dossier's attachment references consistent with the
// binaries held by the imaging archive and the file store. Binaries are
// always written before references are recorded, and deleted before
// references are dropped. When the second step fails the caller gets a
// *PartialFailureError naming what needs a retry; nothing is rolled back.
type Manager struct {
	repo     Repository
	archive  ImagingArchive
	files    blobstore.BlobStore
	logger   zerolog.Logger
	tracer   trace.Tracer
	partials metric.Int64Counter
	now      func() time.Time
	grace    time.Duration
}

func NewManager(repo Repository, arch ImagingArchive, files blobstore.BlobStore, logger zerolog.Logger) *Manager {
	partials, err := otel.Meter(instrumentationName).Int64Counter("portal.attachment.partial_failures",
		metric.WithDescription("Attachment operations that left binaries and references out of step"))
	if err != nil {
		partials, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("portal.attachment.partial_failures")
	}
	return &Manager{
		repo:     repo,
		archive:  arch,
		files:    files,
		logger:   logger.With().Str("component", "attachments").Logger(),
		tracer:   otel.Tracer(instrumentationName),
		partials: partials,
		now:      func() time.Time { return time.Now().UTC() },
		grace:    DefaultOrphanGrace,
	}
}

// SetOrphanGrace changes the age below which PurgeOrphans keeps unreferenced
// binaries.
func (m *Manager) SetOrphanGrace(d time.Duration) {
	if d >= 0 {
		m.grace = d
	}
}

func (m *Manager) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "dossier."+name, trace.WithAttributes(attrs...))
}

// mark records an attachment state transition on the span.
func mark(span trace.Span, state AttachmentState, ids ...string) {
	span.AddEvent("attachment.state", trace.WithAttributes(
		attribute.String("state", string(state)),
		attribute.StringSlice("ids", ids)))
}

func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) reportPartial(ctx context.Context, perr *PartialFailureError) {
	m.logger.Error().
		Err(perr.Err).
		Str("dossier_id", perr.DossierID).
		Str("operation", perr.Op).
		Str("state", string(perr.State)).
		Strs("orphaned", perr.Orphaned).
		Strs("dangling", perr.Dangling).
		Msg("attachment reconciliation needed")
	m.partials.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", perr.Op)))
}

func (m *Manager) dossierForPatient(ctx context.Context, patientID uuid.UUID) (*Dossier, error) {
	d, err := m.repo.GetByPatient(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoDossier
	}
	return d, err
}

func archiveErr(err error) error {
	return fmt.Errorf("%w: %v", ErrArchiveUnreachable, err)
}

// AddImaging validates the batch, pushes accepted files to the archive and
// records a reference for every instance the archive acknowledged.
// On *PartialFailureError the result is still returned; its Dossier is the
// state before the call and Added lists the unreferenced instances.
func (m *Manager) AddImaging(ctx context.Context, patientID uuid.UUID, uploads []Upload) (*AddImagingResult, error) {
	ctx, span := m.start(ctx, "AddImaging",
		attribute.String("patient.id", patientID.String()),
		attribute.Int("files", len(uploads)))
	defer span.End()

	d, err := m.dossierForPatient(ctx, patientID)
	if err != nil {
		return nil, recordErr(span, err)
	}

	part := ValidateImaging(fileInfos(uploads))
	rejected := part.Rejected
	if len(part.Accepted) == 0 {
		return nil, recordErr(span, &NoValidFilesError{Rejected: rejected})
	}

	files := make([]archive.File, 0, len(part.Accepted))
	for _, i := range part.Accepted {
		files = append(files, archive.File{Name: uploads[i].Name, Data: uploads[i].Data})
	}

	mark(span, StateIngesting)
	res, err := m.archive.Ingest(ctx, d.ID.String(), files)
	if err != nil {
		var ierr *archive.IngestError
		var orphaned []string
		if errors.As(err, &ierr) {
			orphaned = ierr.IngestedIDs()
		}
		if len(orphaned) > 0 {
			m.logger.Error().Err(err).
				Str("dossier_id", d.ID.String()).
				Str("state", string(StateOrphanedInArchive)).
				Strs("orphaned", orphaned).
				Msg("archive became unreachable mid-batch")
		}
		return nil, recordErr(span, &UnreachableError{Orphaned: orphaned, Err: archiveErr(err)})
	}

	for _, r := range res.Rejected {
		reason := ReasonArchiveRejected
		if r.Reason == archive.RejectDuplicate {
			reason = ReasonArchiveDuplicate
		}
		rejected = append(rejected, Rejection{FileName: r.FileName, Reason: reason, Detail: r.Detail})
	}
	if len(res.Instances) == 0 {
		return nil, recordErr(span, &NoValidFilesError{Rejected: rejected})
	}

	now := m.now()
	refs := make([]ImagingRef, 0, len(res.Instances))
	ids := make([]string, 0, len(res.Instances))
	for _, inst := range res.Instances {
		refs = append(refs, ImagingRef{
			InstanceID: inst.ID,
			FileName:   inst.FileName,
			Metadata:   inst.Metadata,
			AttachedAt: now,
		})
		ids = append(ids, inst.ID)
	}

	updated, err := m.repo.AppendImagingRefs(ctx, d.ID, refs)
	if err != nil {
		perr := &PartialFailureError{
			DossierID: d.ID.String(),
			Op:        OpAppendImagingRefs,
			State:     StateOrphanedInArchive,
			Orphaned:  ids,
			Err:       err,
		}
		m.reportPartial(ctx, perr)
		mark(span, StateOrphanedInArchive, ids...)
		return &AddImagingResult{Dossier: d, Added: refs, Rejected: rejected}, recordErr(span, perr)
	}

	mark(span, StateReferenced, ids...)
	span.SetAttributes(attribute.Int("instances.added", len(refs)), attribute.Int("files.rejected", len(rejected)))
	return &AddImagingResult{Dossier: updated, Added: refs, Rejected: rejected}, nil
}

// RemoveImaging deletes the instance from the archive and then drops the
// reference. An instance the archive does not know counts as deleted, and
// an instance the dossier does not reference is left alone. The archive copy
// is kept while another dossier still references the instance.
func (m *Manager) RemoveImaging(ctx context.Context, dossierID uuid.UUID, instanceID string) (*Dossier, error) {
	ctx, span := m.start(ctx, "RemoveImaging",
		attribute.String("dossier.id", dossierID.String()),
		attribute.String("instance.id", instanceID))
	defer span.End()

	d, err := m.repo.GetByID(ctx, dossierID)
	if err != nil {
		return nil, recordErr(span, err)
	}
	if !d.HasImaging(instanceID) {
		return d, nil
	}

	shared, err := m.sharedWith(ctx, dossierID, instanceID)
	if err != nil {
		return nil, recordErr(span, err)
	}
	if len(shared) > 0 {
		m.logger.Warn().
			Str("dossier_id", dossierID.String()).
			Str("instance_id", instanceID).
			Str("shared_with", shared[0].String()).
			Msg("instance referenced by another dossier; archive copy kept")
	} else {
		mark(span, StateDeleting, instanceID)
		if err := m.archive.Delete(ctx, instanceID); err != nil && !errors.Is(err, archive.ErrInstanceNotFound) {
			return nil, recordErr(span, archiveErr(err))
		}
	}

	updated, err := m.repo.RemoveImagingRef(ctx, dossierID, instanceID)
	if err != nil {
		perr := &PartialFailureError{
			DossierID: dossierID.String(),
			Op:        OpRemoveImagingRef,
			State:     StateDanglingReference,
			Dangling:  []string{instanceID},
			Err:       err,
		}
		m.reportPartial(ctx, perr)
		mark(span, StateDanglingReference, instanceID)
		return nil, recordErr(span, perr)
	}
	mark(span, StateAbsent, instanceID)
	return updated, nil
}

// sharedWith returns the other dossiers referencing the instance.
func (m *Manager) sharedWith(ctx context.Context, dossierID uuid.UUID, instanceID string) ([]uuid.UUID, error) {
	owners, err := m.repo.FindImagingOwners(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var others []uuid.UUID
	for _, o := range owners {
		if o != dossierID {
			others = append(others, o)
		}
	}
	return others, nil
}

// ReattachImaging retries the reference step of AddImaging for instances
// already in the archive. Metadata is fetched again, which also confirms the
// instance still exists. The archive does not keep upload file names, so
// reattached refs have an empty FileName. Their metadata, and so the
// description shown in views, is complete.
func (m *Manager) ReattachImaging(ctx context.Context, dossierID uuid.UUID, instanceIDs []string) (*ReattachResult, error) {
	ctx, span := m.start(ctx, "ReattachImaging",
		attribute.String("dossier.id", dossierID.String()),
		attribute.Int("instances", len(instanceIDs)))
	defer span.End()

	d, err := m.repo.GetByID(ctx, dossierID)
	if err != nil {
		return nil, recordErr(span, err)
	}

	res := &ReattachResult{Dossier: d}
	now := m.now()
	for _, id := range instanceIDs {
		if id == "" {
			continue
		}
		md, err := m.archive.FetchInstanceMetadata(ctx, id)
		if errors.Is(err, archive.ErrInstanceNotFound) {
			res.Missing = append(res.Missing, id)
			continue
		}
		if err != nil {
			return nil, recordErr(span, archiveErr(err))
		}
		res.Attached = append(res.Attached, ImagingRef{InstanceID: id, Metadata: md, AttachedAt: now})
	}
	if len(res.Attached) == 0 {
		return res, nil
	}

	updated, err := m.repo.AppendImagingRefs(ctx, dossierID, res.Attached)
	if err != nil {
		ids := make([]string, len(res.Attached))
		for i, ref := range res.Attached {
			ids[i] = ref.InstanceID
		}
		perr := &PartialFailureError{
			DossierID: dossierID.String(),
			Op:        OpAppendImagingRefs,
			State:     StateOrphanedInArchive,
			Orphaned:  ids,
			Err:       err,
		}
		m.reportPartial(ctx, perr)
		return nil, recordErr(span, perr)
	}
	res.Dossier = updated
	return res, nil
}

func isPerFileStoreError(err error) bool {
	return errors.Is(err, blobstore.ErrFileTooLarge) || errors.Is(err, blobstore.ErrMissingFileName)
}

// AddDocuments stores each accepted file and then records the locators. A
// file the store refuses is reported as rejected; a store outage aborts the
// batch and reports what was already written.
func (m *Manager) AddDocuments(ctx context.Context, patientID uuid.UUID, uploads []Upload) (*AddDocumentsResult, error) {
	ctx, span := m.start(ctx, "AddDocuments",
		attribute.String("patient.id", patientID.String()),
		attribute.Int("files", len(uploads)))
	defer span.End()

	d, err := m.dossierForPatient(ctx, patientID)
	if err != nil {
		return nil, recordErr(span, err)
	}

	part := ValidateDocuments(fileInfos(uploads))
	rejected := part.Rejected
	if len(part.Accepted) == 0 {
		return nil, recordErr(span, &NoValidFilesError{Rejected: rejected})
	}

	createdBy := auth.UserIDFromContext(ctx)
	mark(span, StateIngesting)
	var added []*blobstore.BlobMetadata
	var locators []string
	for _, i := range part.Accepted {
		u := uploads[i]
		meta, err := m.files.Upload(ctx, blobstore.BlobMetadata{
			FileName:    u.Name,
			ContentType: u.ContentType,
			PatientID:   patientID.String(),
			CreatedBy:   createdBy,
		}, bytes.NewReader(u.Data))
		if err != nil {
			if isPerFileStoreError(err) {
				rejected = append(rejected, Rejection{FileName: u.Name, Reason: ReasonStoreRejected, Detail: err.Error()})
				continue
			}
			if len(locators) > 0 {
				m.logger.Error().Err(err).
					Str("dossier_id", d.ID.String()).
					Str("state", string(StateOrphanedInArchive)).
					Strs("orphaned", locators).
					Msg("file store failed mid-batch")
			}
			return nil, recordErr(span, &UnreachableError{
				Orphaned: locators,
				Err:      fmt.Errorf("%w: %v", ErrStoreUnavailable, err),
			})
		}
		added = append(added, meta)
		locators = append(locators, meta.ID)
	}
	if len(added) == 0 {
		return nil, recordErr(span, &NoValidFilesError{Rejected: rejected})
	}

	updated, err := m.repo.AppendDocumentRefs(ctx, d.ID, locators)
	if err != nil {
		perr := &PartialFailureError{
			DossierID: d.ID.String(),
			Op:        OpAppendDocumentRefs,
			State:     StateOrphanedInArchive,
			Orphaned:  locators,
			Err:       err,
		}
		m.reportPartial(ctx, perr)
		mark(span, StateOrphanedInArchive, locators...)
		return &AddDocumentsResult{Dossier: d, Added: added, Rejected: rejected}, recordErr(span, perr)
	}
	mark(span, StateReferenced, locators...)
	return &AddDocumentsResult{Dossier: updated, Added: added, Rejected: rejected}, nil
}

// ReattachDocuments retries AppendDocumentRefs for locators that are still
// in the file store.
func (m *Manager) ReattachDocuments(ctx context.Context, dossierID uuid.UUID, locators []string) (*Dossier, []string, error) {
	ctx, span := m.start(ctx, "ReattachDocuments", attribute.String("dossier.id", dossierID.String()))
	defer span.End()

	if _, err := m.repo.GetByID(ctx, dossierID); err != nil {
		return nil, nil, recordErr(span, err)
	}
	var present, missing []string
	for _, l := range locators {
		_, err := m.files.GetMetadata(ctx, l)
		switch {
		case errors.Is(err, blobstore.ErrBlobNotFound):
			missing = append(missing, l)
		case err != nil:
			return nil, nil, recordErr(span, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		default:
			present = append(present, l)
		}
	}
	updated, err := m.repo.AppendDocumentRefs(ctx, dossierID, present)
	if err != nil {
		perr := &PartialFailureError{
			DossierID: dossierID.String(),
			Op:        OpAppendDocumentRefs,
			State:     StateOrphanedInArchive,
			Orphaned:  present,
			Err:       err,
		}
		m.reportPartial(ctx, perr)
		return nil, missing, recordErr(span, perr)
	}
	return updated, missing, nil
}

// RemoveDocument deletes the stored file and then the locator.
func (m *Manager) RemoveDocument(ctx context.Context, dossierID uuid.UUID, locator string) (*Dossier, error) {
	ctx, span := m.start(ctx, "RemoveDocument",
		attribute.String("dossier.id", dossierID.String()),
		attribute.String("locator", locator))
	defer span.End()

	d, err := m.repo.GetByID(ctx, dossierID)
	if err != nil {
		return nil, recordErr(span, err)
	}
	if !d.HasDocument(locator) {
		return d, nil
	}

	mark(span, StateDeleting, locator)
	if err := m.files.Delete(ctx, locator); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, recordErr(span, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}

	updated, err := m.repo.RemoveDocumentRef(ctx, dossierID, locator)
	if err != nil {
		perr := &PartialFailureError{
			DossierID: dossierID.String(),
			Op:        OpRemoveDocumentRef,
			State:     StateDanglingReference,
			Dangling:  []string{locator},
			Err:       err,
		}
		m.reportPartial(ctx, perr)
		mark(span, StateDanglingReference, locator)
		return nil, recordErr(span, perr)
	}
	mark(span, StateAbsent, locator)
	return updated, nil
}

// ScanOrphans compares the dossier with what the archive and the file store
// hold for it. Archive instances are matched through their dossier label,
// which is applied best-effort, so an empty ArchiveOrphans is not proof.
func (m *Manager) ScanOrphans(ctx context.Context, dossierID uuid.UUID) (*OrphanReport, error) {
	ctx, span := m.start(ctx, "ScanOrphans", attribute.String("dossier.id", dossierID.String()))
	defer span.End()

	d, err := m.repo.GetByID(ctx, dossierID)
	if err != nil {
		return nil, recordErr(span, err)
	}
	report := &OrphanReport{DossierID: d.ID}

	labelled, err := m.archive.ListDossierInstances(ctx, d.ID.String())
	if err != nil {
		return nil, recordErr(span, archiveErr(err))
	}
	for _, id := range labelled {
		if !d.HasImaging(id) {
			report.ArchiveOrphans = append(report.ArchiveOrphans, id)
		}
	}

	blobs, err := m.files.ListByPatient(ctx, d.PatientID.String())
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	stored := make(map[string]bool, len(blobs))
	for _, b := range blobs {
		stored[b.ID] = true
		if !d.HasDocument(b.ID) {
			report.StoreOrphans = append(report.StoreOrphans, b.ID)
		}
	}
	for _, l := range d.Documents {
		if !stored[l] {
			report.DanglingDocuments = append(report.DanglingDocuments, l)
		}
	}
	return report, nil
}

// PurgeOrphans deletes the unreferenced binaries found by ScanOrphans and
// drops dangling document locators. A binary younger than the grace period
// may belong to an add still in flight and is kept, as is an instance some
// dossier references by the time it is checked. The returned report lists
// what was deleted, with the kept young binaries in Recent.
func (m *Manager) PurgeOrphans(ctx context.Context, dossierID uuid.UUID) (*OrphanReport, error) {
	scan, err := m.ScanOrphans(ctx, dossierID)
	if err != nil {
		return nil, err
	}
	ctx, span := m.start(ctx, "PurgeOrphans", attribute.String("dossier.id", dossierID.String()))
	defer span.End()

	cutoff := m.now().Add(-m.grace)
	done := &OrphanReport{DossierID: scan.DossierID}

	for _, id := range scan.ArchiveOrphans {
		received, err := m.archive.InstanceReceivedAt(ctx, id)
		switch {
		case errors.Is(err, archive.ErrInstanceNotFound):
			continue
		case err != nil:
			return done, recordErr(span, archiveErr(err))
		case received.After(cutoff):
			done.Recent = append(done.Recent, id)
			continue
		}
		owners, err := m.repo.FindImagingOwners(ctx, id)
		if err != nil {
			return done, recordErr(span, err)
		}
		if len(owners) > 0 {
			continue
		}
		mark(span, StateDeleting, id)
		if err := m.archive.Delete(ctx, id); err != nil && !errors.Is(err, archive.ErrInstanceNotFound) {
			return done, recordErr(span, archiveErr(err))
		}
		done.ArchiveOrphans = append(done.ArchiveOrphans, id)
	}

	if len(scan.StoreOrphans) > 0 {
		current, err := m.repo.GetByID(ctx, dossierID)
		if err != nil {
			return done, recordErr(span, err)
		}
		for _, id := range scan.StoreOrphans {
			meta, err := m.files.GetMetadata(ctx, id)
			switch {
			case errors.Is(err, blobstore.ErrBlobNotFound):
				continue
			case err != nil:
				return done, recordErr(span, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
			case meta.CreatedAt.After(cutoff):
				done.Recent = append(done.Recent, id)
				continue
			case current.HasDocument(id):
				continue
			}
			mark(span, StateDeleting, id)
			if err := m.files.Delete(ctx, id); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
				return done, recordErr(span, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
			}
			done.StoreOrphans = append(done.StoreOrphans, id)
		}
	}

	for _, l := range scan.DanglingDocuments {
		if _, err := m.repo.RemoveDocumentRef(ctx, dossierID, l); err != nil {
			return done, recordErr(span, err)
		}
		done.DanglingDocuments = append(done.DanglingDocuments, l)
	}
	m.logger.Info().
		Str("dossier_id", dossierID.String()).
		Int("archive_orphans", len(done.ArchiveOrphans)).
		Int("store_orphans", len(done.StoreOrphans)).
		Int("dangling_documents", len(done.DanglingDocuments)).
		Int("recent", len(done.Recent)).
		Msg("orphans purged")
	return done, nil
}
