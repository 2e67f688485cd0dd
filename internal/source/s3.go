package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds object store credentials.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type objectGetter interface {
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
}

// ObjectStore fetches objects from an S3-compatible store.
type ObjectStore struct {
	client objectGetter
}

// NewObjectStore connects to the store described by cfg. An https endpoint
// URL implies TLS.
func NewObjectStore(cfg S3Config) (*ObjectStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("source: object store endpoint is required")
	}

	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			secure = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("source: create object store client: %w", err)
	}
	return &ObjectStore{client: client}, nil
}

// Fetch downloads bucket/key into a new file under dir.
func (s *ObjectStore) Fetch(ctx context.Context, bucket, key, dir string) (*Artifact, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("source: object location %q/%q is incomplete", bucket, key)
	}

	f, err := os.CreateTemp(dir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("source: create object file: %w", err)
	}
	path := f.Name()
	f.Close()

	if err := s.client.FGetObject(ctx, bucket, key, path, minio.GetObjectOptions{}); err != nil {
		os.Remove(path)
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("source: s3://%s/%s: %w", bucket, key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("source: fetch s3://%s/%s: %w", bucket, key, err)
	}
	return &Artifact{Path: path, owned: true}, nil
}
