// Package archive is a client for an Orthanc-compatible imaging archive. The
// archive owns instance binaries and identifiers; this package only pushes,
// inspects and deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	contentTypeDICOM    = "application/dicom"
	statusAlreadyStored = "AlreadyStored"
	receptionLayout     = "20060102T150405"
	maxResponseBody     = 1 << 20
	labelPrefix         = "dossier-"
)

type Config struct {
	BaseURL string
	// PublicURL is the archive address as seen by browsers, used to build
	// preview links. Defaults to BaseURL.
	PublicURL string
	Username  string
	Password  string
	Timeout   time.Duration
}

type Client struct {
	baseURL    string
	publicURL  string
	username   string
	password   string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient builds a client whose transport is instrumented with otelhttp.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return NewClientWithHTTPClient(cfg, &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, logger)
}

func NewClientWithHTTPClient(cfg Config, httpClient *http.Client, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	public := strings.TrimRight(cfg.PublicURL, "/")
	if public == "" {
		public = base
	}
	return &Client{
		baseURL:    base,
		publicURL:  public,
		username:   cfg.Username,
		password:   cfg.Password,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "archive").Logger(),
	}
}

// call performs one bounded request and returns the status and (truncated)
// body. Transport failures and deadline expiry are ErrUnreachable.
func (c *Client) call(ctx context.Context, method, path string, body []byte, contentType string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w: %v", method, path, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s %s: %w: %v", method, path, ErrUnreachable, err)
	}
	return resp.StatusCode, data, nil
}

func isRejection(status int) bool {
	return status == http.StatusBadRequest ||
		status == http.StatusUnsupportedMediaType ||
		status == http.StatusUnprocessableEntity
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func instancePath(id string, suffix ...string) string {
	p := "/instances/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// Ingest pushes files one by one. Files the archive cannot parse are listed
// in Rejected; the batch goes on. The archive derives instance IDs from the
// content, so a file stored earlier for another dossier comes back as the
// same instance; such files are rejected as RejectDuplicate and left
// unlabelled. An unreachable archive aborts the batch with an *IngestError
// carrying what was already stored.
func (c *Client) Ingest(ctx context.Context, dossierID string, files []File) (*IngestResult, error) {
	res := &IngestResult{}
	seen := make(map[string]bool, len(files))

	for _, f := range files {
		status, body, err := c.call(ctx, http.MethodPost, "/instances", f.Data, contentTypeDICOM)
		if err != nil {
			return nil, &IngestError{Ingested: res.Instances, Err: err}
		}
		if isRejection(status) {
			c.logger.Info().Str("file", f.Name).Int("status", status).Msg("archive rejected file")
			res.Rejected = append(res.Rejected, RejectedFile{
				FileName: f.Name, Reason: RejectUnreadable, Status: status, Detail: snippet(body),
			})
			continue
		}
		if status != http.StatusOK {
			return nil, &IngestError{
				Ingested: res.Instances,
				Err:      &statusError{op: "ingest " + f.Name, status: status, body: snippet(body)},
			}
		}

		var out struct {
			ID     string `json:"ID"`
			Status string `json:"Status"`
		}
		if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
			return nil, &IngestError{
				Ingested: res.Instances,
				Err:      fmt.Errorf("ingest %s: unreadable archive response: %w", f.Name, ErrUnreachable),
			}
		}
		if seen[out.ID] {
			continue
		}
		if out.Status == statusAlreadyStored {
			owners, err := c.InstanceDossiers(ctx, out.ID)
			if err != nil {
				return nil, &IngestError{Ingested: res.Instances, Err: err}
			}
			if other := firstOther(owners, dossierID); other != "" {
				c.logger.Warn().Str("file", f.Name).Str("instance_id", out.ID).
					Str("dossier_id", dossierID).Str("owner", other).
					Msg("archive already holds this instance for another dossier")
				res.Rejected = append(res.Rejected, RejectedFile{
					FileName: f.Name,
					Reason:   RejectDuplicate,
					Status:   status,
					Detail:   "instance " + out.ID + " already belongs to dossier " + other,
				})
				continue
			}
		}
		seen[out.ID] = true

		// Label first so a concurrent upload of the same content sees the owner.
		if err := c.label(ctx, out.ID, dossierID); err != nil {
			c.logger.Warn().Err(err).Str("instance_id", out.ID).Str("dossier_id", dossierID).Msg("label instance")
		}
		inst := Instance{ID: out.ID, FileName: f.Name}
		if md, err := c.FetchInstanceMetadata(ctx, out.ID); err != nil {
			c.logger.Warn().Err(err).Str("instance_id", out.ID).Msg("metadata unavailable after ingest")
		} else {
			inst.Metadata = md
		}
		res.Instances = append(res.Instances, inst)
	}
	return res, nil
}

// label tags the instance with its dossier so orphans can be found later.
func (c *Client) label(ctx context.Context, instanceID, dossierID string) error {
	status, body, err := c.call(ctx, http.MethodPut, instancePath(instanceID, "labels", labelPrefix+dossierID), nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return &statusError{op: "label " + instanceID, status: status, body: snippet(body)}
	}
	return nil
}

func firstOther(owners []string, dossierID string) string {
	for _, o := range owners {
		if o != dossierID {
			return o
		}
	}
	return ""
}

// InstanceDossiers returns the dossier IDs the instance is labelled with.
func (c *Client) InstanceDossiers(ctx context.Context, instanceID string) ([]string, error) {
	status, body, err := c.call(ctx, http.MethodGet, instancePath(instanceID, "labels"), nil, "")
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("labels %s: %w", instanceID, ErrInstanceNotFound)
	default:
		return nil, &statusError{op: "labels " + instanceID, status: status, body: snippet(body)}
	}

	var labels []string
	if err := json.Unmarshal(body, &labels); err != nil {
		return nil, fmt.Errorf("decode labels for %s: %w", instanceID, err)
	}
	var owners []string
	for _, l := range labels {
		if strings.HasPrefix(l, labelPrefix) {
			owners = append(owners, strings.TrimPrefix(l, labelPrefix))
		}
	}
	return owners, nil
}

// InstanceReceivedAt returns when the archive stored the instance, read from
// its ReceptionDate metadata (UTC).
func (c *Client) InstanceReceivedAt(ctx context.Context, instanceID string) (time.Time, error) {
	status, body, err := c.call(ctx, http.MethodGet, instancePath(instanceID, "metadata", "ReceptionDate"), nil, "")
	if err != nil {
		return time.Time{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return time.Time{}, fmt.Errorf("reception date %s: %w", instanceID, ErrInstanceNotFound)
	default:
		return time.Time{}, &statusError{op: "reception date " + instanceID, status: status, body: snippet(body)}
	}
	at, err := time.ParseInLocation(receptionLayout, strings.TrimSpace(string(body)), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse reception date for %s: %w", instanceID, err)
	}
	return at, nil
}

func (c *Client) FetchInstanceMetadata(ctx context.Context, instanceID string) (InstanceMetadata, error) {
	status, body, err := c.call(ctx, http.MethodGet, instancePath(instanceID, "simplified-tags"), nil, "")
	if err != nil {
		return InstanceMetadata{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return InstanceMetadata{}, fmt.Errorf("metadata %s: %w", instanceID, ErrInstanceNotFound)
	default:
		return InstanceMetadata{}, &statusError{op: "metadata " + instanceID, status: status, body: snippet(body)}
	}

	var tags map[string]interface{}
	if err := json.Unmarshal(body, &tags); err != nil {
		return InstanceMetadata{}, fmt.Errorf("decode simplified-tags for %s: %w", instanceID, err)
	}
	return metadataFromTags(tags), nil
}

// Delete removes the instance. A 404 is reported as ErrInstanceNotFound so
// callers can treat it as already done.
func (c *Client) Delete(ctx context.Context, instanceID string) error {
	status, body, err := c.call(ctx, http.MethodDelete, instancePath(instanceID), nil, "")
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("delete %s: %w", instanceID, ErrInstanceNotFound)
	default:
		return &statusError{op: "delete " + instanceID, status: status, body: snippet(body)}
	}
}

// ResolvePresentationURL probes the archive's renderer. ok is false, with a
// nil error, when the archive cannot render the instance.
func (c *Client) ResolvePresentationURL(ctx context.Context, instanceID string) (string, bool, error) {
	path := instancePath(instanceID, "preview")
	status, body, err := c.call(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return "", false, err
	}
	switch {
	case status == http.StatusOK:
		return c.publicURL + path, true, nil
	case status == http.StatusNotFound:
		return "", false, fmt.Errorf("preview %s: %w", instanceID, ErrInstanceNotFound)
	case isRejection(status), status == http.StatusNotAcceptable, status == http.StatusNotImplemented:
		return "", false, nil
	default:
		return "", false, &statusError{op: "preview " + instanceID, status: status, body: snippet(body)}
	}
}

// ListDossierInstances returns the IDs of instances labelled with the
// dossier at ingest time.
func (c *Client) ListDossierInstances(ctx context.Context, dossierID string) ([]string, error) {
	query, err := json.Marshal(map[string]interface{}{
		"Level":            "Instance",
		"Query":            map[string]string{},
		"Labels":           []string{labelPrefix + dossierID},
		"LabelsConstraint": "All",
	})
	if err != nil {
		return nil, err
	}
	status, body, err := c.call(ctx, http.MethodPost, "/tools/find", query, "application/json")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &statusError{op: "find " + dossierID, status: status, body: snippet(body)}
	}

	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("decode find response: %w", err)
	}
	return ids, nil
}

// Ping checks the archive answers GET /system.
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.call(ctx, http.MethodGet, "/system", nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &statusError{op: "ping", status: status, body: snippet(body)}
	}
	return nil
}
