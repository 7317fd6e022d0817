package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/imamik/vmpilot/internal/util/naming"
)

// Uploader stores an object. *s3.Client satisfies it.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Archiver exports finished trails to object storage.
type Archiver struct {
	recorder Recorder
	uploader Uploader
}

// NewArchiver creates an archiver reading from rec and writing through up.
func NewArchiver(rec Recorder, up Uploader) *Archiver {
	return &Archiver{recorder: rec, uploader: up}
}

// Archive uploads the trail of requestID as JSON lines and returns the object key.
func (a *Archiver) Archive(ctx context.Context, requestID string) (string, error) {
	entries, err := a.recorder.ByRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no audit entries for request %s", requestID)
	}

	var buf bytes.Buffer
	if err := WriteJSONLines(&buf, entries); err != nil {
		return "", err
	}
	key := naming.AuditArchive(requestID)
	if err := a.uploader.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("failed to archive audit trail of %s: %w", requestID, err)
	}
	return key, nil
}

// WriteJSONLines encodes one entry per line.
func WriteJSONLines(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode audit entry %d: %w", e.Seq, err)
		}
	}
	return nil
}
