package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSArchive writes blobs to a Cloud Storage bucket. Objects are create-only.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSArchive(client *storage.Client, bucket, prefix string) *GCSArchive {
	if client == nil {
		panic("storage client is required")
	}
	return &GCSArchive{client: client, bucket: bucket, prefix: prefix}
}

func (a *GCSArchive) Put(ctx context.Context, key string, body []byte) error {
	loc, err := ResolveObjectLocation(a.bucket, a.prefix, key)
	if err != nil {
		return err
	}

	obj := a.client.Bucket(loc.Bucket).Object(loc.FullPath).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", loc.Bucket, loc.FullPath, err)
	}
	if err := w.Close(); err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("close gs://%s/%s: %w", loc.Bucket, loc.FullPath, err)
	}
	return nil
}

var _ Archive = (*GCSArchive)(nil)
