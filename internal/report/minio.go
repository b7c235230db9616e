package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig — параметры подключения к S3-совместимому хранилищу.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinIOStore — ArtifactStore поверх minio-go.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

var _ ArtifactStore = (*MinIOStore)(nil)

// NewMinIOStore создаёт клиент MinIO. Бакет не проверяется: для этого EnsureBucket.
func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket создаёт бакет, если его нет.
func (s *MinIOStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put загружает объект.
func (s *MinIOStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get открывает объект. Наличие проверяется через StatObject, так как
// GetObject возвращает ошибку только при первом чтении.
func (s *MinIOStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, nil
}

// DeletePrefix удаляет все объекты с префиксом.
func (s *MinIOStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var keys []minio.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return 0, fmt.Errorf("list objects %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	objects := make(chan minio.ObjectInfo, len(keys))
	for _, obj := range keys {
		objects <- obj
	}
	close(objects)

	for res := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return 0, fmt.Errorf("remove object %s: %w", res.ObjectName, res.Err)
		}
	}
	return len(keys), nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Artifact store backends.
const (
	BackendMinIO  = "minio"
	BackendMemory = "memory"
)

// OpenArtifacts создаёт хранилище артефактов; для minio проверяет бакет.
func OpenArtifacts(ctx context.Context, backend string, cfg MinIOConfig) (ArtifactStore, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendMinIO, "":
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", backend)
	}

	store, err := NewMinIOStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return store, nil
}
