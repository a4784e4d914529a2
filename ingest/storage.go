package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	StorageProviderGCS   = "gcs"
	StorageProviderLocal = "local"

	gcsScheme = "gs://"
)

var ErrLocatorNotSupported = errors.New("locator not supported by this store")

// FileStore keeps uploaded files so workers can read them back by locator.
type FileStore interface {
	Save(ctx context.Context, objectName string, r io.Reader) (locator string, err error)
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderLocal
	}
	return provider
}

// NewFileStoreFromEnv picks the store named by STORAGE_PROVIDER.
func NewFileStoreFromEnv(ctx context.Context) (FileStore, error) {
	switch GetStorageProvider() {
	case StorageProviderGCS:
		bucket := os.Getenv("GCS_BUCKET")
		if bucket == "" {
			return nil, errors.New("GCS_BUCKET is required")
		}
		client, err := newGCSClient(ctx)
		if err != nil {
			return nil, err
		}
		return &GCSStore{Client: client, Bucket: bucket}, nil
	case StorageProviderLocal:
		dir := os.Getenv("UPLOAD_DIR")
		if dir == "" {
			dir = "uploads"
		}
		return &LocalStore{Dir: dir}, nil
	}
	return nil, fmt.Errorf("unknown STORAGE_PROVIDER %q", GetStorageProvider())
}

// LocalStore writes files under Dir. Locators are file paths.
type LocalStore struct {
	Dir string
}

func (s *LocalStore) Save(ctx context.Context, objectName string, r io.Reader) (string, error) {
	target := filepath.Join(s.Dir, filepath.FromSlash(objectName))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return target, nil
}

func (s *LocalStore) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if strings.HasPrefix(locator, gcsScheme) {
		return nil, fmt.Errorf("%s: %w", locator, ErrLocatorNotSupported)
	}
	return os.Open(strings.TrimPrefix(locator, "file://"))
}

// GCSStore writes objects to Bucket. Locators look like gs://bucket/object.
type GCSStore struct {
	Client *storage.Client
	Bucket string
}

// Prefer ADC; GCS_CREDENTIALS_JSON overrides for local runs.
func newGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

func (s *GCSStore) Save(ctx context.Context, objectName string, r io.Reader) (string, error) {
	w := s.Client.Bucket(s.Bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType(objectName)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	return gcsScheme + s.Bucket + "/" + objectName, nil
}

func (s *GCSStore) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	bucket, object, err := splitGCSLocator(locator)
	if err != nil {
		return nil, err
	}
	return s.Client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (s *GCSStore) Close() error {
	return s.Client.Close()
}

func splitGCSLocator(locator string) (bucket, object string, err error) {
	if !strings.HasPrefix(locator, gcsScheme) {
		return "", "", fmt.Errorf("%s: %w", locator, ErrLocatorNotSupported)
	}
	rest := strings.TrimPrefix(locator, gcsScheme)
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gcs locator %q", locator)
	}
	return bucket, object, nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	}
	return "application/octet-stream"
}
