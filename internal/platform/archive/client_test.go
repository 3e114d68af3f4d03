package archive

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeOrthanc answers the subset of the Orthanc REST API the client uses.
// Payloads starting with "DICM" are accepted; anything else gets 400. Like
// Orthanc, the instance ID is derived from the content and a repeated upload
// answers "AlreadyStored".
type fakeOrthanc struct {
	mu        sync.Mutex
	instances map[string]map[string]interface{}
	labels    map[string][]string
	received  map[string]time.Time
	noPreview map[string]bool
	failAfter int // fail POST /instances with 503 once this many are stored; 0 disables
	auth      [2]string
}

func newFakeOrthanc() *fakeOrthanc {
	return &fakeOrthanc{
		instances: make(map[string]map[string]interface{}),
		labels:    make(map[string][]string),
		received:  make(map[string]time.Time),
		noPreview: make(map[string]bool),
	}
}

func (f *fakeOrthanc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.auth[0] != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != f.auth[0] || p != f.auth[1] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/system":
		json.NewEncoder(w).Encode(map[string]string{"Name": "fake"})

	case r.Method == http.MethodPost && r.URL.Path == "/instances":
		if f.failAfter > 0 && len(f.instances) >= f.failAfter {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		data, _ := io.ReadAll(r.Body)
		if !strings.HasPrefix(string(data), "DICM") {
			http.Error(w, "Bad file format", http.StatusBadRequest)
			return
		}
		sum := sha1.Sum(data)
		id := hex.EncodeToString(sum[:6])
		if _, ok := f.instances[id]; ok {
			json.NewEncoder(w).Encode(map[string]string{"ID": id, "Status": "AlreadyStored"})
			return
		}
		f.received[id] = time.Now().UTC()
		f.instances[id] = map[string]interface{}{
			"PatientName":      "DOE^JANE",
			"StudyDescription": "CHEST PA",
			"AcquisitionDate":  "20240115",
			"Modality":         "CR",
			"SOPInstanceUID":   "1.2.3." + id,
		}
		json.NewEncoder(w).Encode(map[string]string{"ID": id, "Status": "Success"})

	case r.Method == http.MethodPost && r.URL.Path == "/tools/find":
		var q struct{ Labels []string }
		json.NewDecoder(r.Body).Decode(&q)
		ids := []string{}
		for id, labels := range f.labels {
			for _, l := range labels {
				if len(q.Labels) > 0 && l == q.Labels[0] {
					ids = append(ids, id)
				}
			}
		}
		json.NewEncoder(w).Encode(ids)

	case len(parts) >= 2 && parts[0] == "instances":
		id := parts[1]
		tags, ok := f.instances[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch {
		case r.Method == http.MethodDelete && len(parts) == 2:
			delete(f.instances, id)
			delete(f.labels, id)
			w.Write([]byte("{}"))
		case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "labels":
			labels := f.labels[id]
			if labels == nil {
				labels = []string{}
			}
			json.NewEncoder(w).Encode(labels)
		case r.Method == http.MethodGet && len(parts) == 4 && parts[2] == "metadata" && parts[3] == "ReceptionDate":
			w.Write([]byte(f.received[id].Format("20060102T150405")))
		case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "simplified-tags":
			json.NewEncoder(w).Encode(tags)
		case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "preview":
			if f.noPreview[id] {
				w.WriteHeader(http.StatusUnsupportedMediaType)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png"))
		case r.Method == http.MethodPut && len(parts) == 4 && parts[2] == "labels":
			for _, l := range f.labels[id] {
				if l == parts[3] {
					return
				}
			}
			f.labels[id] = append(f.labels[id], parts[3])
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, fake http.Handler, timeout time.Duration) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c := NewClientWithHTTPClient(Config{
		BaseURL:   srv.URL,
		PublicURL: "https://pacs.example.org/",
		Timeout:   timeout,
	}, srv.Client(), zerolog.Nop())
	return c, srv
}

func dicom(name string) File { return File{Name: name, Data: []byte("DICM" + name)} }

func TestIngest_AllAccepted(t *testing.T) {
	fake := newFakeOrthanc()
	c, _ := newTestClient(t, fake, time.Second)

	res, err := c.Ingest(context.Background(), "d1", []File{dicom("a.dcm"), dicom("b.dcm")})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Instances) != 2 || len(res.Rejected) != 0 {
		t.Fatalf("expected 2 instances and 0 rejections, got %+v", res)
	}
	md := res.Instances[0].Metadata
	if md.StudyDescription != "CHEST PA" || md.DisplayPatientName() != "DOE JANE" {
		t.Errorf("unexpected metadata %+v", md)
	}
	if got := md.Acquired(); !got.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected acquisition date %s", got)
	}
	if labels := fake.labels[res.Instances[0].ID]; len(labels) != 1 || labels[0] != "dossier-d1" {
		t.Errorf("expected dossier label, got %v", labels)
	}
}

func TestIngest_ArchiveRejectsMalformed(t *testing.T) {
	c, _ := newTestClient(t, newFakeOrthanc(), time.Second)

	files := []File{dicom("ok.dcm"), {Name: "fake.dcm", Data: []byte("not dicom")}}
	res, err := c.Ingest(context.Background(), "d1", files)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Instances) != 1 {
		t.Errorf("expected 1 instance, got %d", len(res.Instances))
	}
	if len(res.Rejected) != 1 || res.Rejected[0].FileName != "fake.dcm" || res.Rejected[0].Status != http.StatusBadRequest {
		t.Errorf("unexpected rejections %+v", res.Rejected)
	}
}

func TestIngest_UnreachableMidBatch(t *testing.T) {
	fake := newFakeOrthanc()
	fake.failAfter = 1
	c, _ := newTestClient(t, fake, time.Second)

	_, err := c.Ingest(context.Background(), "d1", []File{dicom("a.dcm"), dicom("b.dcm")})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	var ie *IngestError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *IngestError, got %T", err)
	}
	if ids := ie.IngestedIDs(); len(ids) != 1 {
		t.Errorf("expected one instance stored before failure, got %v", ids)
	}
}

func TestIngest_Timeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	c, _ := newTestClient(t, slow, 50*time.Millisecond)

	_, err := c.Ingest(context.Background(), "d1", []File{dicom("a.dcm")})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected timeout to be ErrUnreachable, got %v", err)
	}
}

func TestIngest_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewClientWithHTTPClient(Config{BaseURL: url, Timeout: time.Second}, nil, zerolog.Nop())

	_, err := c.Ingest(context.Background(), "d1", []File{dicom("a.dcm")})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestFetchInstanceMetadata_NotFound(t *testing.T) {
	c, _ := newTestClient(t, newFakeOrthanc(), time.Second)
	_, err := c.FetchInstanceMetadata(context.Background(), "missing")
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	fake := newFakeOrthanc()
	c, _ := newTestClient(t, fake, time.Second)
	res, err := c.Ingest(context.Background(), "d1", []File{dicom("a.dcm")})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	id := res.Instances[0].ID

	if err := c.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(context.Background(), id); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("second delete: expected ErrInstanceNotFound, got %v", err)
	}
}

func TestResolvePresentationURL(t *testing.T) {
	fake := newFakeOrthanc()
	c, _ := newTestClient(t, fake, time.Second)
	res, _ := c.Ingest(context.Background(), "d1", []File{dicom("a.dcm"), dicom("b.dcm")})
	renderable, unrenderable := res.Instances[0].ID, res.Instances[1].ID
	fake.noPreview[unrenderable] = true

	u, ok, err := c.ResolvePresentationURL(context.Background(), renderable)
	if err != nil || !ok {
		t.Fatalf("expected preview, got ok=%v err=%v", ok, err)
	}
	if u != "https://pacs.example.org/instances/"+renderable+"/preview" {
		t.Errorf("unexpected preview url %s", u)
	}

	u, ok, err = c.ResolvePresentationURL(context.Background(), unrenderable)
	if err != nil || ok || u != "" {
		t.Errorf("expected no preview without error, got %q ok=%v err=%v", u, ok, err)
	}

	if _, _, err := c.ResolvePresentationURL(context.Background(), "missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestListDossierInstances(t *testing.T) {
	c, _ := newTestClient(t, newFakeOrthanc(), time.Second)
	c.Ingest(context.Background(), "d1", []File{dicom("a.dcm")})
	c.Ingest(context.Background(), "d2", []File{dicom("b.dcm")})

	ids, err := c.ListDossierInstances(context.Background(), "d1")
	if err != nil {
		t.Fatalf("ListDossierInstances: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected 1 instance for d1, got %v", ids)
	}
}

func TestBasicAuthAndPing(t *testing.T) {
	fake := newFakeOrthanc()
	fake.auth = [2]string{"orthanc", "secret"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	good := NewClientWithHTTPClient(Config{BaseURL: srv.URL, Username: "orthanc", Password: "secret"}, nil, zerolog.Nop())
	if err := good.Ping(context.Background()); err != nil {
		t.Errorf("Ping with credentials: %v", err)
	}

	bad := NewClientWithHTTPClient(Config{BaseURL: srv.URL}, nil, zerolog.Nop())
	if err := bad.Ping(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable without credentials, got %v", err)
	}
}

func TestMetadataFromTags_Fallbacks(t *testing.T) {
	md := metadataFromTags(map[string]interface{}{
		"StudyDate":         "20230301",
		"SeriesDescription": "AXIAL",
		"Rows":              512.0,
	})
	if md.AcquisitionDate != "20230301" {
		t.Errorf("expected StudyDate fallback, got %q", md.AcquisitionDate)
	}
	if md.Description() != "AXIAL" {
		t.Errorf("expected SeriesDescription fallback, got %q", md.Description())
	}
	if md.ModalityOrUnknown() != "OT" {
		t.Errorf("expected OT default, got %q", md.ModalityOrUnknown())
	}
	if (InstanceMetadata{AcquisitionDate: "garbage"}).Acquired().IsZero() != true {
		t.Error("expected zero time for malformed date")
	}
	if !(InstanceMetadata{}).IsZero() {
		t.Error("expected empty metadata to be zero")
	}
}

func TestIngest_SameContentForAnotherDossierIsRejected(t *testing.T) {
	fake := newFakeOrthanc()
	c, _ := newTestClient(t, fake, time.Second)
	ctx := context.Background()

	first, err := c.Ingest(ctx, "d1", []File{dicom("scan.dcm")})
	if err != nil {
		t.Fatalf("Ingest d1: %v", err)
	}
	id := first.Instances[0].ID

	res, err := c.Ingest(ctx, "d2", []File{dicom("scan.dcm"), dicom("other.dcm")})
	if err != nil {
		t.Fatalf("Ingest d2: %v", err)
	}
	if len(res.Instances) != 1 || res.Instances[0].ID == id {
		t.Errorf("expected only the new file stored for d2, got %+v", res.Instances)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != RejectDuplicate || res.Rejected[0].FileName != "scan.dcm" {
		t.Fatalf("expected scan.dcm rejected as duplicate, got %+v", res.Rejected)
	}
	if !strings.Contains(res.Rejected[0].Detail, "d1") {
		t.Errorf("expected owner in detail, got %q", res.Rejected[0].Detail)
	}
	if labels := fake.labels[id]; len(labels) != 1 || labels[0] != "dossier-d1" {
		t.Errorf("expected the instance to keep only its owner label, got %v", labels)
	}
}

func TestIngest_SameContentForSameDossierIsAccepted(t *testing.T) {
	fake := newFakeOrthanc()
	c, _ := newTestClient(t, fake, time.Second)
	ctx := context.Background()

	first, err := c.Ingest(ctx, "d1", []File{dicom("scan.dcm")})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	again, err := c.Ingest(ctx, "d1", []File{dicom("scan.dcm")})
	if err != nil {
		t.Fatalf("re-Ingest: %v", err)
	}
	if len(again.Instances) != 1 || again.Instances[0].ID != first.Instances[0].ID || len(again.Rejected) != 0 {
		t.Errorf("expected the same instance back, got %+v", again)
	}
}

func TestInstanceDossiers(t *testing.T) {
	fake := newFakeOrthanc()
	c, _ := newTestClient(t, fake, time.Second)
	ctx := context.Background()

	res, err := c.Ingest(ctx, "d1", []File{dicom("a.dcm")})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	owners, err := c.InstanceDossiers(ctx, res.Instances[0].ID)
	if err != nil {
		t.Fatalf("InstanceDossiers: %v", err)
	}
	if len(owners) != 1 || owners[0] != "d1" {
		t.Errorf("expected [d1], got %v", owners)
	}
	if _, err := c.InstanceDossiers(ctx, "missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestInstanceReceivedAt(t *testing.T) {
	fake := newFakeOrthanc()
	c, _ := newTestClient(t, fake, time.Second)
	ctx := context.Background()

	before := time.Now().UTC().Truncate(time.Second)
	res, err := c.Ingest(ctx, "d1", []File{dicom("a.dcm")})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	at, err := c.InstanceReceivedAt(ctx, res.Instances[0].ID)
	if err != nil {
		t.Fatalf("InstanceReceivedAt: %v", err)
	}
	if at.Before(before) || at.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("unexpected reception time %s", at)
	}
	if _, err := c.InstanceReceivedAt(ctx, "missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}
