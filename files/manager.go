package files

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Upload is a file part carried in a multipart request before it has
// been handed to the File Manager.
type Upload struct {
	Name        string
	Filename    string
	ContentType string
	Bytes       []byte
}

// Reference is what gets persisted into a std.FileUpload column: a
// pointer into the object store, not the bytes themselves.
type Reference struct {
	ObjectstoreID    string `json:"objectstore_id"`
	OriginalFilename string `json:"original_filename,omitempty"`
	UniqueFilename   string `json:"unique_filename"`
	ContentType      string `json:"content_type,omitempty"`
	InferredMimeType string `json:"inferred_mime_type,omitempty"`
}

// ErrPayloadTooLarge is returned by Manager.Accept when an upload
// exceeds the configured MaxUploadBytes.
var ErrPayloadTooLarge = errors.New("files: payload too large")

// Manager is the File Manager: it owns the Store backend and the
// durable deletion queue, and mints FileUpload references for
// incoming multipart parts. Ownership of an accepted upload passes to
// the row on commit; Forget reclaims it on rollback.
type Manager struct {
	store          Store
	deletions      *DeletionQueue
	maxUploadBytes int64
}

func NewManager(store Store, deletions *DeletionQueue, maxUploadBytes int64) *Manager {
	return &Manager{store: store, deletions: deletions, maxUploadBytes: maxUploadBytes}
}

// Accept stores u's bytes under a freshly minted object key and
// returns the Reference to embed in the owning row's file column.
func (m *Manager) Accept(ctx context.Context, u Upload) (Reference, error) {
	if m.maxUploadBytes > 0 && int64(len(u.Bytes)) > m.maxUploadBytes {
		return Reference{}, fmt.Errorf("%w: %s exceeds limit of %s",
			ErrPayloadTooLarge, humanize.Bytes(uint64(len(u.Bytes))), humanize.Bytes(uint64(m.maxUploadBytes)))
	}

	id := uuid.Must(uuid.NewV7()).String()
	if err := m.store.Put(ctx, id, u.Bytes, u.ContentType); err != nil {
		return Reference{}, fmt.Errorf("files: store upload: %w", err)
	}

	return Reference{
		ObjectstoreID:    id,
		OriginalFilename: u.Filename,
		UniqueFilename:   id,
		ContentType:      u.ContentType,
	}, nil
}

// Forget releases a Reference minted but never committed to a row -
// called on request-future drop or transaction rollback. Unlike an
// orphaned row's blobs, these have no `_file_deletions` entry to fall
// back on, so a transient store failure is retried briefly before the
// blob is given up as leaked.
func (m *Manager) Forget(ctx context.Context, ref Reference) error {
	return retry.Do(
		func() error {
			if err := m.store.Delete(ctx, ref.ObjectstoreID); err != nil && err != ErrNotFound {
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(100*time.Millisecond),
	)
}

// Orphan marks ref's object for deferred deletion rather than
// removing it inline, so a crash mid-delete leaves a recoverable
// trail in `_file_deletions` instead of losing track of the object.
// Writer-thread closures that already hold the owning transaction use
// EnqueueTx directly instead.
func (m *Manager) Orphan(ctx context.Context, ref Reference) error {
	return m.deletions.Enqueue(ctx, ref.ObjectstoreID)
}

// Download fetches the bytes and metadata a Reference points to.
func (m *Manager) Download(ctx context.Context, ref Reference) ([]byte, Meta, error) {
	return m.store.Get(ctx, ref.ObjectstoreID)
}
