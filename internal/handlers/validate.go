package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/h2non/filetype"

	"bucketflow/internal/constants"
	"bucketflow/internal/envelope"
	"bucketflow/pkg/retry"
)

// ObjectReader reads the leading bytes of a stored object.
type ObjectReader interface {
	ReadHead(ctx context.Context, bucket, name, generation string, n int64) ([]byte, error)
}

// GCSReader reads object heads through Cloud Storage.
type GCSReader struct {
	client *storage.Client
}

func NewGCSReader(client *storage.Client) *GCSReader {
	return &GCSReader{client: client}
}

func (r *GCSReader) ReadHead(ctx context.Context, bucket, name, generation string, n int64) ([]byte, error) {
	obj := r.client.Bucket(bucket).Object(name)
	if gen, err := strconv.ParseInt(generation, 10, 64); err == nil && gen > 0 {
		obj = obj.Generation(gen)
	}

	reader, err := obj.NewRangeReader(ctx, 0, n)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, retry.NewFatalError(fmt.Errorf("gs://%s/%s no longer exists: %w", bucket, name, err))
		}
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, name, err)
	}
	defer reader.Close()

	head, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, name, err)
	}
	return head, nil
}

// Validate sniffs the content of finalized objects and rejects those whose
// bytes contradict the declared content type or fall outside the allow list.
// Rejections are fatal so the event is dead-lettered without retries.
type Validate struct {
	objects ObjectReader
	allowed []string
}

// NewValidate accepts exact MIME types and "type/*" wildcards. An empty list
// allows any type.
func NewValidate(objects ObjectReader, allowed []string) *Validate {
	normalized := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			normalized = append(normalized, a)
		}
	}
	return &Validate{objects: objects, allowed: normalized}
}

func (h *Validate) Handle(ctx context.Context, env *envelope.Envelope) error {
	if env.EventType != envelope.Finalized {
		return nil
	}

	head, err := h.objects.ReadHead(ctx, env.Bucket, env.Object, env.Generation, constants.ContentSniffBytes)
	if err != nil {
		return err
	}
	if len(head) == 0 {
		return nil
	}

	declared := mediaType(env.ContentTypeOrEmpty())
	detected := ""
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		detected = kind.MIME.Value
	}

	if declared != "" && detected != "" && declared != detected {
		return retry.NewFatalError(fmt.Errorf("%s declares %s but content is %s", env.Key(), declared, detected))
	}

	effective := detected
	if effective == "" {
		effective = declared
	}
	if !h.isAllowed(effective) {
		return retry.NewFatalError(fmt.Errorf("%s has disallowed content type %q", env.Key(), effective))
	}
	return nil
}

func (h *Validate) isAllowed(contentType string) bool {
	if len(h.allowed) == 0 {
		return true
	}
	for _, a := range h.allowed {
		if a == contentType {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(contentType, prefix+"/") {
			return true
		}
	}
	return false
}

// mediaType drops parameters such as charset and lowercases the type.
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
