package dossier

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/portal/internal/platform/archive"
)

// mockArchive is an in-memory imaging archive. Files whose name contains
// "corrupt" are rejected as unparsable.
type mockArchive struct {
	mu        sync.Mutex
	instances map[string]archive.InstanceMetadata
	labels    map[string]string
	received  map[string]time.Time
	next      int
	clock     func() time.Time

	unreachable  bool
	failAfter    int // abort ingest after this many stored files; <0 disables
	metadataDown bool
	noPreview    bool
	deleted      []string
	ingestCalls  int
}

func newMockArchive() *mockArchive {
	return &mockArchive{
		instances: make(map[string]archive.InstanceMetadata),
		labels:    make(map[string]string),
		received:  make(map[string]time.Time),
		failAfter: -1,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

func (a *mockArchive) put(id, dossierID string, md archive.InstanceMetadata) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.instances[id] = md
	a.received[id] = a.clock()
	if dossierID != "" {
		a.labels[id] = dossierID
	}
}

func (a *mockArchive) has(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.instances[id]
	return ok
}

func (a *mockArchive) Ingest(_ context.Context, dossierID string, files []archive.File) (*archive.IngestResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ingestCalls++
	if a.unreachable {
		return nil, &archive.IngestError{Err: archive.ErrUnreachable}
	}
	res := &archive.IngestResult{}
	for _, f := range files {
		if a.failAfter >= 0 && len(res.Instances) >= a.failAfter {
			return nil, &archive.IngestError{Ingested: res.Instances, Err: archive.ErrUnreachable}
		}
		if strings.Contains(f.Name, "corrupt") {
			res.Rejected = append(res.Rejected, archive.RejectedFile{FileName: f.Name, Status: 400, Detail: "not DICOM"})
			continue
		}
		a.next++
		id := fmt.Sprintf("inst-%04d", a.next)
		md := archive.InstanceMetadata{Modality: "CT", StudyDescription: f.Name, AcquisitionDate: "20240102"}
		a.instances[id] = md
		a.received[id] = a.clock()
		a.labels[id] = dossierID
		res.Instances = append(res.Instances, archive.Instance{ID: id, FileName: f.Name, Metadata: md})
	}
	return res, nil
}

func (a *mockArchive) FetchInstanceMetadata(_ context.Context, id string) (archive.InstanceMetadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unreachable || a.metadataDown {
		return archive.InstanceMetadata{}, archive.ErrUnreachable
	}
	md, ok := a.instances[id]
	if !ok {
		return archive.InstanceMetadata{}, archive.ErrInstanceNotFound
	}
	return md, nil
}

func (a *mockArchive) Delete(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unreachable {
		return archive.ErrUnreachable
	}
	if _, ok := a.instances[id]; !ok {
		return archive.ErrInstanceNotFound
	}
	delete(a.instances, id)
	delete(a.labels, id)
	a.deleted = append(a.deleted, id)
	return nil
}

func (a *mockArchive) ResolvePresentationURL(_ context.Context, id string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unreachable {
		return "", false, archive.ErrUnreachable
	}
	if _, ok := a.instances[id]; !ok {
		return "", false, archive.ErrInstanceNotFound
	}
	if a.noPreview {
		return "", false, nil
	}
	return "http://archive.test/instances/" + id + "/preview", true, nil
}

func (a *mockArchive) InstanceReceivedAt(_ context.Context, id string) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unreachable {
		return time.Time{}, archive.ErrUnreachable
	}
	at, ok := a.received[id]
	if !ok {
		return time.Time{}, archive.ErrInstanceNotFound
	}
	return at, nil
}

func (a *mockArchive) ListDossierInstances(_ context.Context, dossierID string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unreachable {
		return nil, archive.ErrUnreachable
	}
	var ids []string
	for id, d := range a.labels {
		if d == dossierID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// contentArchive is an HTTP archive that, like Orthanc, derives instance IDs
// from the uploaded bytes. It backs tests that go through archive.Client.
type contentArchive struct {
	mu        sync.Mutex
	instances map[string]bool
	labels    map[string][]string
	received  map[string]time.Time
}

func newContentArchive() *contentArchive {
	return &contentArchive{
		instances: make(map[string]bool),
		labels:    make(map[string][]string),
		received:  make(map[string]time.Time),
	}
}

func (a *contentArchive) has(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instances[id]
}

func (a *contentArchive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if r.Method == http.MethodPost && r.URL.Path == "/instances" {
		data, _ := io.ReadAll(r.Body)
		if !strings.HasPrefix(string(data), "DICM") {
			http.Error(w, "Bad file format", http.StatusBadRequest)
			return
		}
		sum := sha1.Sum(data)
		id := hex.EncodeToString(sum[:6])
		status := "Success"
		if a.instances[id] {
			status = "AlreadyStored"
		} else {
			a.instances[id] = true
			a.received[id] = time.Now().UTC()
		}
		json.NewEncoder(w).Encode(map[string]string{"ID": id, "Status": status})
		return
	}
	if len(parts) < 2 || parts[0] != "instances" || !a.instances[parts[1]] {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[1]
	switch {
	case r.Method == http.MethodDelete && len(parts) == 2:
		delete(a.instances, id)
		delete(a.labels, id)
		w.Write([]byte("{}"))
	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "labels":
		labels := a.labels[id]
		if labels == nil {
			labels = []string{}
		}
		json.NewEncoder(w).Encode(labels)
	case r.Method == http.MethodPut && len(parts) == 4 && parts[2] == "labels":
		for _, l := range a.labels[id] {
			if l == parts[3] {
				return
			}
		}
		a.labels[id] = append(a.labels[id], parts[3])
	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "simplified-tags":
		json.NewEncoder(w).Encode(map[string]string{"Modality": "CR", "StudyDescription": "CHEST PA", "AcquisitionDate": "20240115"})
	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "preview":
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png"))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

var errInjected = errors.New("injected store failure")

// flakyRepo fails selected mutators with ErrStoreUnavailable while the
// matching counter is positive. The before hooks run ahead of the appends.
type flakyRepo struct {
	Repository
	mu                sync.Mutex
	failAppendImaging int
	failRemoveImaging int
	failAppendDocs    int
	failRemoveDoc     int
	failReads         bool

	beforeAppendImaging func()
	beforeAppendDocs    func()
}

func (r *flakyRepo) trip(counter *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if *counter > 0 {
		*counter--
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, errInjected)
	}
	return nil
}

func (r *flakyRepo) GetByPatient(ctx context.Context, patientID uuid.UUID) (*Dossier, error) {
	if r.failReads {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, errInjected)
	}
	return r.Repository.GetByPatient(ctx, patientID)
}

func (r *flakyRepo) AppendImagingRefs(ctx context.Context, id uuid.UUID, refs []ImagingRef) (*Dossier, error) {
	if r.beforeAppendImaging != nil {
		r.beforeAppendImaging()
	}
	if err := r.trip(&r.failAppendImaging); err != nil {
		return nil, err
	}
	return r.Repository.AppendImagingRefs(ctx, id, refs)
}

func (r *flakyRepo) RemoveImagingRef(ctx context.Context, id uuid.UUID, instanceID string) (*Dossier, error) {
	if err := r.trip(&r.failRemoveImaging); err != nil {
		return nil, err
	}
	return r.Repository.RemoveImagingRef(ctx, id, instanceID)
}

func (r *flakyRepo) AppendDocumentRefs(ctx context.Context, id uuid.UUID, locators []string) (*Dossier, error) {
	if r.beforeAppendDocs != nil {
		r.beforeAppendDocs()
	}
	if err := r.trip(&r.failAppendDocs); err != nil {
		return nil, err
	}
	return r.Repository.AppendDocumentRefs(ctx, id, locators)
}

func (r *flakyRepo) RemoveDocumentRef(ctx context.Context, id uuid.UUID, locator string) (*Dossier, error) {
	if err := r.trip(&r.failRemoveDoc); err != nil {
		return nil, err
	}
	return r.Repository.RemoveDocumentRef(ctx, id, locator)
}

func archiveMD() archive.InstanceMetadata {
	return archive.InstanceMetadata{Modality: "MR", StudyDescription: "Brain", AcquisitionDate: "20240315", PatientName: "DOE^JANE"}
}
