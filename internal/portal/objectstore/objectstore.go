// Package objectstore implements internal/portal.ObjectStore against
// Supabase Storage, following the same supabase-community client family the
// teacher already pulls in for its Postgres/auth layer
// (internal/database.SupabaseClient) — storage-go is the object-storage
// sibling of the supabase-go client already wired in supabasestore.
package objectstore

import (
	"context"
	"fmt"
	"time"

	storage_go "github.com/supabase-community/storage-go"
)

// Store pre-signs download/upload URLs for workspace blobs kept in a single
// Supabase Storage bucket, objects keyed by the workspace object key.
type Store struct {
	client *storage_go.Client
	bucket string
}

// New builds a Store against projectURL/serviceKey, targeting bucket.
func New(projectURL, serviceKey, bucket string) *Store {
	storageURL := projectURL + "/storage/v1"
	client := storage_go.NewClient(storageURL, serviceKey, nil)
	return &Store{client: client, bucket: bucket}
}

// PresignDownload returns a signed GET URL for objectKey, valid for expires.
func (s *Store) PresignDownload(_ context.Context, objectKey string, expires time.Duration) (string, error) {
	resp, err := s.client.CreateSignedUrl(s.bucket, objectKey, int(expires.Seconds()))
	if err != nil {
		return "", fmt.Errorf("sign download url for %s: %w", objectKey, err)
	}
	return resp.SignedURL, nil
}

// PresignUpload returns a signed PUT URL for objectKey. storage-go's signed
// upload URLs carry their own server-side expiry, so expires is accepted for
// interface symmetry with PresignDownload but not forwarded.
func (s *Store) PresignUpload(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	resp, err := s.client.CreateSignedUploadUrl(s.bucket, objectKey)
	if err != nil {
		return "", fmt.Errorf("sign upload url for %s: %w", objectKey, err)
	}
	return resp.Url, nil
}
