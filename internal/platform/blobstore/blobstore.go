// Package blobstore stores message attachments. It defines the BlobStore
// interface, an in-memory implementation, and Echo HTTP handlers for
// multipart upload and download.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// DefaultMaxFileSize is the per-file limit when none is configured (25 MB).
const DefaultMaxFileSize = 25 << 20

// Attachment kinds.
const (
	KindImage    = "image"
	KindDocument = "document"
	KindPDF      = "pdf"
)

// AllowedContentTypes maps accepted MIME types to attachment kinds.
var AllowedContentTypes = map[string]string{
	"image/png":          KindImage,
	"image/jpeg":         KindImage,
	"image/gif":          KindImage,
	"image/webp":         KindImage,
	"image/heic":         KindImage,
	"application/pdf":    KindPDF,
	"text/plain":         KindDocument,
	"text/csv":           KindDocument,
	"application/rtf":    KindDocument,
	"application/msword": KindDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": KindDocument,
}

// KindFor returns the attachment kind for a content type, or "" when the
// type is not accepted.
func KindFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return AllowedContentTypes[mt]
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Kind        string    `json:"kind"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// Attachment is the reference a message carries for an uploaded blob.
type Attachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
}

// Attachment returns the message-facing view of the blob, downloadable under
// urlPrefix.
func (m *BlobMetadata) Attachment(urlPrefix string) Attachment {
	return Attachment{
		ID:        m.ID,
		Name:      m.FileName,
		Kind:      m.Kind,
		URL:       strings.TrimSuffix(urlPrefix, "/") + "/" + m.ID,
		SizeBytes: m.Size,
	}
}

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

// BlobStore defines the contract for blob storage backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	maxSize int64
}

// NewInMemoryBlobStore returns a store enforcing maxSize per file. A
// non-positive maxSize selects DefaultMaxFileSize.
func NewInMemoryBlobStore(maxSize int64) *InMemoryBlobStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &InMemoryBlobStore{
		blobs:   make(map[string]*storedBlob),
		maxSize: maxSize,
	}
}

// MaxSize returns the per-file limit.
func (s *InMemoryBlobStore) MaxSize() int64 { return s.maxSize }

// Upload validates inputs, reads the content, computes a SHA-256 hash, and
// stores the blob. A missing or generic content type is sniffed from the
// content.
func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta.FileName = path.Base(strings.ReplaceAll(strings.TrimSpace(meta.FileName), `\`, "/"))
	if meta.FileName == "" || meta.FileName == "." || meta.FileName == "/" {
		return nil, ErrMissingFileName
	}

	data, err := io.ReadAll(io.LimitReader(content, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, ErrFileTooLarge
	}

	if meta.ContentType == "" || meta.ContentType == "application/octet-stream" {
		meta.ContentType = http.DetectContentType(data)
	}
	meta.Kind = KindFor(meta.ContentType)
	if meta.Kind == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}

	h := sha256.Sum256(data)
	meta.ID = uuid.NewString()
	meta.Size = int64(len(data))
	meta.Hash = hex.EncodeToString(h[:])
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Download returns an io.ReadCloser over the blob content and its metadata.
func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// Delete removes a blob by ID.
func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

// GetMetadata returns blob metadata without content.
func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return &meta, nil
}
