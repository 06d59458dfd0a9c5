// Package attachment validates uploaded files and hands them to object
// storage, returning the normalized attachment a message carries.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"

	"threadline/api/internal/store"
	"threadline/api/internal/util"
)

const DefaultMaxBytes int64 = 10 << 20

var (
	ErrEmpty          = errors.New("attachment is empty")
	ErrTooLarge       = errors.New("attachment exceeds size limit")
	ErrTypeNotAllowed = errors.New("attachment type not allowed")
	ErrNoStorage      = errors.New("attachment storage not configured")
)

var allowedTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"image/tiff",
	"image/bmp",
	"application/pdf",
	"text/plain",
	"text/csv",
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/zip",
}

// ObjectStorage persists a blob and returns the URL clients download it from.
type ObjectStorage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

type Descriptor struct {
	ThreadID   string
	FileName   string
	UploadedBy string
	Body       io.Reader
}

type Service struct {
	storage  ObjectStorage
	maxBytes int64
	now      func() time.Time
}

func NewService(storage ObjectStorage, maxBytes int64) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{storage: storage, maxBytes: maxBytes, now: time.Now}
}

func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Upload reads at most MaxBytes, sniffs the content type from the bytes
// rather than the file name and stores the blob.
func (s *Service) Upload(ctx context.Context, d Descriptor) (store.Attachment, error) {
	if s.storage == nil {
		return store.Attachment{}, ErrNoStorage
	}
	if d.Body == nil {
		return store.Attachment{}, ErrEmpty
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(d.Body, s.maxBytes+1))
	if err != nil {
		return store.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	if n == 0 {
		return store.Attachment{}, ErrEmpty
	}
	if n > s.maxBytes {
		return store.Attachment{}, fmt.Errorf("%w: max %d bytes", ErrTooLarge, s.maxBytes)
	}

	detected := mimetype.Detect(buf.Bytes())
	mimeType, ok := allowed(detected)
	if !ok {
		return store.Attachment{}, fmt.Errorf("%w: %s", ErrTypeNotAllowed, detected.String())
	}

	id := util.NewID("att")
	name := SanitizeFileName(d.FileName, detected.Extension())
	key := path.Join("threads", d.ThreadID, id, name)

	url, err := s.storage.Put(ctx, key, bytes.NewReader(buf.Bytes()), n, mimeType)
	if err != nil {
		return store.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}

	return store.Attachment{
		ID:         id,
		FileName:   name,
		MimeType:   mimeType,
		Size:       n,
		URL:        url,
		StorageKey: key,
		UploadedBy: d.UploadedBy,
		UploadedAt: s.now().UTC(),
	}, nil
}

// allowed returns the bare MIME type when detected is on the allow-list.
func allowed(detected *mimetype.MIME) (string, bool) {
	for _, candidate := range allowedTypes {
		if detected.Is(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// SanitizeFileName strips directories and control characters. An empty
// result becomes "file" plus the sniffed extension.
func SanitizeFileName(name, ext string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "file" + ext
	}
	if len(name) > 200 {
		name = name[len(name)-200:]
	}
	return name
}
