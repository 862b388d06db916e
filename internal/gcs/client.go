// Package gcs reads, lists and uploads Cloud Storage objects.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"labtools/internal/logger"
)

// Scheme is the URI prefix for Cloud Storage objects.
const Scheme = "gs://"

var (
	// ErrInvalidURI is returned for text that is not a gs://bucket/path URI.
	ErrInvalidURI = errors.New("invalid Cloud Storage URI")

	// ErrObjectNotFound is returned when the object does not exist.
	ErrObjectNotFound = errors.New("object not found")
)

// Client wraps a Cloud Storage client.
type Client struct {
	client *storage.Client
	log    zerolog.Logger
}

// NewClient creates a client with credentials from the environment
// (GOOGLE_CREDENTIALS JSON, GOOGLE_APPLICATION_CREDENTIALS file, or the
// default credential chain).
func NewClient(ctx context.Context) (*Client, error) {
	var opts []option.ClientOption
	if credJSON := os.Getenv("GOOGLE_CREDENTIALS"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	} else if credFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Client{client: client, log: logger.WithComponent("gcs")}, nil
}

// Read returns the full content of bucket/name.
func (c *Client) Read(ctx context.Context, bucket, name string) ([]byte, error) {
	r, err := c.client.Bucket(bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s%s/%s", ErrObjectNotFound, Scheme, bucket, name)
		}
		return nil, fmt.Errorf("failed to open %s%s/%s: %w", Scheme, bucket, name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s%s/%s: %w", Scheme, bucket, name, err)
	}
	return data, nil
}

// List returns the names of all objects under prefix, sorted.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s%s/%s: %w", Scheme, bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)

	c.log.Debug().
		Str("bucket", bucket).
		Str("prefix", prefix).
		Int("objects", len(names)).
		Msg("Listed objects")
	return names, nil
}

// Upload writes r to bucket/name with the given content type.
func (c *Client) Upload(ctx context.Context, bucket, name, contentType string, r io.Reader) error {
	w := c.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to upload %s%s/%s: %w", Scheme, bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s%s/%s: %w", Scheme, bucket, name, err)
	}

	c.log.Info().
		Str("bucket", bucket).
		Str("object", name).
		Msg("Object uploaded")
	return nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// ParseURI splits gs://bucket/path into bucket and object path. The path may
// be empty.
func ParseURI(uri string) (bucket, name string, err error) {
	if !strings.HasPrefix(uri, Scheme) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	rest := strings.TrimPrefix(uri, Scheme)
	bucket, name, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%w: %q has no bucket", ErrInvalidURI, uri)
	}
	return bucket, name, nil
}

// URI builds gs://bucket/name.
func URI(bucket, name string) string {
	return Scheme + bucket + "/" + strings.TrimPrefix(name, "/")
}
