package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxObjectSize int64 = 64 << 20
)

// S3Client is the part of *s3.Client the archive uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// object is a stored snapshot document.
type object struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

type objectStore interface {
	put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	get(ctx context.Context, key string) (object, error)
}

func newObjectStore(cfg Config) (objectStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverS3
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")

	switch driver {
	case DriverMemory:
		return &memoryObjects{prefix: prefix, objects: make(map[string]object)}, nil
	case DriverS3:
		bucket := strings.TrimSpace(cfg.Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		}
		if cfg.S3Client == nil {
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		maxSize := cfg.MaxObjectSize
		if maxSize <= 0 {
			maxSize = defaultMaxObjectSize
		}
		return &s3Objects{client: cfg.S3Client, bucket: bucket, prefix: prefix, maxSize: maxSize}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func withPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

type memoryObjects struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]object
}

func (m *memoryObjects) put(_ context.Context, key string, data []byte, metadata map[string]string) error {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	m.mu.Lock()
	m.objects[withPrefix(m.prefix, key)] = object{
		data:     append([]byte(nil), data...),
		metadata: meta,
		modified: time.Now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryObjects) get(_ context.Context, key string) (object, error) {
	m.mu.RLock()
	o, ok := m.objects[withPrefix(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	o.data = append([]byte(nil), o.data...)
	return o, nil
}

type s3Objects struct {
	client  S3Client
	bucket  string
	prefix  string
	maxSize int64
}

func (s *s3Objects) put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(withPrefix(s.prefix, key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("archive/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Objects) get(ctx context.Context, key string) (object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return object{}, fmt.Errorf("archive/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return object{}, fmt.Errorf("archive/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxSize {
		return object{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, key, s.maxSize)
	}
	return object{
		data:     data,
		metadata: out.Metadata,
		modified: aws.ToTime(out.LastModified),
	}, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
