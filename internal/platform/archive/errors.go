package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable covers transport failures, timeouts and any archive
	// response the client does not expect (5xx, auth failures).
	ErrUnreachable = errors.New("imaging archive unreachable")
	// ErrInstanceNotFound is returned when the archive reports 404 for an
	// instance.
	ErrInstanceNotFound = errors.New("instance not found in archive")
)

// IngestError aborts a batch ingest. Ingested lists the instances the archive
// had already stored when the failure happened.
type IngestError struct {
	Ingested []Instance
	Err      error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest aborted after %d instance(s): %v", len(e.Ingested), e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// IngestedIDs returns the IDs of the instances stored before the failure.
func (e *IngestError) IngestedIDs() []string {
	ids := make([]string, len(e.Ingested))
	for i, inst := range e.Ingested {
		ids[i] = inst.ID
	}
	return ids
}

type statusError struct {
	op     string
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%s: archive returned status %d", e.op, e.status)
	}
	return fmt.Sprintf("%s: archive returned status %d: %s", e.op, e.status, e.body)
}

func (e *statusError) Unwrap() error { return ErrUnreachable }
