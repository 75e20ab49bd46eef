// Package blobstore adapts Google Cloud Storage to the
// validators.BlobStat contract, so the vector_ingest and
// raster_cog_convert pre-flight checks can confirm a source object is
// actually readable before a job is admitted. Grounded on the
// teacher's internal/clients/gcp bucket client: same
// ClientOptionsFromEnv credential resolution, same storage.Client
// construction, narrowed down to the single existence probe the
// validators package needs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSClient implements validators.BlobStat against a real bucket.
type GCSClient struct {
	client *storage.Client
}

// NewGCSClient dials a storage client using the same credential
// resolution order as the teacher's gcp.ClientOptionsFromEnv
// (GOOGLE_APPLICATION_CREDENTIALS_JSON inline, else
// GOOGLE_APPLICATION_CREDENTIALS file path, else ambient default
// credentials).
func NewGCSClient(ctx context.Context) (*GCSClient, error) {
	stClient, err := storage.NewClient(ctx, clientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSClient{client: stClient}, nil
}

// Exists checks uri (a gs://bucket/object URI) for presence and
// readability via an object-attributes fetch.
func (g *GCSClient) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, object, err := parseGSURI(uri)
	if err != nil {
		return false, err
	}
	_, err = g.client.Bucket(bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *GCSClient) Close() error { return g.client.Close() }

func parseGSURI(uri string) (bucket, object string, err error) {
	const prefix = "gs://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", fmt.Errorf("blobstore: uri %q is not a gs:// uri", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("blobstore: uri %q missing bucket or object", uri)
	}
	return parts[0], parts[1], nil
}

func clientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	var opts []option.ClientOption
	if creds == "" {
		return opts
	}
	if strings.HasPrefix(creds, "{") {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	} else {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return opts
}
