// Package storage archives generated invoice documents in Cloud Storage
// and issues short-lived download URLs for the back office.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const defaultDownloadExpiry = 15 * time.Minute

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")

	// ErrSignerUnavailable reports that the archiver has no signing key
	// and cannot issue download URLs.
	ErrSignerUnavailable = errors.New("storage: signer is not configured")
)

// Archiver writes invoice documents to a bucket. Objects are keyed by
// invoices/<orderID>/<invoiceNumber>.<ext> so the back office can list a
// whole order's paperwork with a single prefix scan.
type Archiver struct {
	client *storage.Client
	bucket string
	signer Signer
	now    func() time.Time
}

// ArchiverOption customises Archiver behaviour.
type ArchiverOption func(*Archiver)

// WithSigner enables signed download URLs for archived documents.
func WithSigner(signer Signer) ArchiverOption {
	return func(a *Archiver) {
		a.signer = signer
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ArchiverOption {
	return func(a *Archiver) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewArchiver constructs an Archiver bound to the given bucket.
func NewArchiver(client *storage.Client, bucket string, opts ...ArchiverOption) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	a := &Archiver{
		client: client,
		bucket: bucket,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// ObjectPath builds the canonical object key for an invoice document.
func ObjectPath(orderID, invoiceNumber, ext string) (string, error) {
	orderID = strings.TrimSpace(orderID)
	invoiceNumber = strings.TrimSpace(invoiceNumber)
	if orderID == "" || invoiceNumber == "" {
		return "", errInvalidObject
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "json"
	}
	return fmt.Sprintf("invoices/%s/%s.%s", orderID, invoiceNumber, ext), nil
}

// Archive writes the document under the given object key, overwriting any
// earlier revision. It returns the gs:// URI of the stored object.
func (a *Archiver) Archive(ctx context.Context, object, contentType string, data []byte) (string, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return "", errInvalidObject
	}
	if len(data) == 0 {
		return "", errors.New("storage: document is empty")
	}

	w := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: close %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}

// DownloadURL issues a signed GET URL for an archived document. The expiry
// is capped at the default to keep leaked links short-lived.
func (a *Archiver) DownloadURL(ctx context.Context, object string, expiresIn time.Duration) (string, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return "", errInvalidObject
	}
	if a.signer == nil || strings.TrimSpace(a.signer.Email()) == "" {
		return "", ErrSignerUnavailable
	}
	if expiresIn <= 0 || expiresIn > defaultDownloadExpiry {
		expiresIn = defaultDownloadExpiry
	}

	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		GoogleAccessID: a.signer.Email(),
		SignBytes: func(payload []byte) ([]byte, error) {
			return a.signer.SignBytes(ctx, payload)
		},
		Expires: a.now().Add(expiresIn),
	}
	url, err := storage.SignedURL(a.bucket, object, opts)
	if err != nil {
		return "", fmt.Errorf("storage: sign download url: %w", err)
	}
	return url, nil
}
