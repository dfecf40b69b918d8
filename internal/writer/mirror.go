package writer

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	EnvS3Endpoint  = "SITECACHE_S3_ENDPOINT"
	EnvS3Bucket    = "SITECACHE_S3_BUCKET"
	EnvS3AccessKey = "SITECACHE_S3_ACCESS_KEY"
	EnvS3SecretKey = "SITECACHE_S3_SECRET_KEY"
	EnvS3Prefix    = "SITECACHE_S3_PREFIX"
	EnvS3Insecure  = "SITECACHE_S3_INSECURE"
)

type MirrorConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
	UseSSL    bool
}

// MirrorConfigFromEnv reads the bucket settings. ok is false when no endpoint
// or bucket is configured, which disables mirroring.
func MirrorConfigFromEnv(getenv func(string) string) (cfg MirrorConfig, ok bool, err error) {
	cfg = MirrorConfig{
		Endpoint:  strings.TrimSpace(getenv(EnvS3Endpoint)),
		Bucket:    strings.TrimSpace(getenv(EnvS3Bucket)),
		AccessKey: strings.TrimSpace(getenv(EnvS3AccessKey)),
		SecretKey: strings.TrimSpace(getenv(EnvS3SecretKey)),
		Prefix:    strings.Trim(strings.TrimSpace(getenv(EnvS3Prefix)), "/"),
		UseSSL:    true,
	}
	if cfg.Endpoint == "" && cfg.Bucket == "" {
		return MirrorConfig{}, false, nil
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return MirrorConfig{}, false, fmt.Errorf("%s and %s must be set together", EnvS3Endpoint, EnvS3Bucket)
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return MirrorConfig{}, false, fmt.Errorf("%s and %s are required for the bucket mirror", EnvS3AccessKey, EnvS3SecretKey)
	}
	if raw := strings.TrimSpace(getenv(EnvS3Insecure)); raw != "" {
		insecure, err := strconv.ParseBool(raw)
		if err != nil {
			return MirrorConfig{}, false, fmt.Errorf("parse %s: %w", EnvS3Insecure, err)
		}
		cfg.UseSSL = !insecure
	}
	return cfg, true, nil
}

// BucketMirror uploads publish copies to an S3-compatible bucket.
type BucketMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewBucketMirror(cfg MirrorConfig) (*BucketMirror, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket client for %s: %w", cfg.Endpoint, err)
	}
	return &BucketMirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *BucketMirror) Key(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func (m *BucketMirror) Put(ctx context.Context, name string, data []byte) error {
	key := m.Key(name)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		CacheControl: "public, max-age=300",
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.bucket, key, err)
	}
	return nil
}
