package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
)

const (
	// objectPrefix is the key prefix for content-addressed objects.
	objectPrefix = "objects"

	// hashMetadataKey carries the SHA-256 of the object body for verification.
	hashMetadataKey = "Content-Sha256"
)

// minioClient defines the interface for MinIO operations.
// This abstraction allows for easier unit testing with mocks.
type minioClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// minioClientAdapter wraps *minio.Client to implement minioClient interface.
// GetObject goes through minio.Core: a single GET whose response headers
// report the range the server actually sent.
type minioClientAdapter struct {
	client *minio.Client
}

func (a *minioClientAdapter) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return a.client.BucketExists(ctx, bucketName)
}

func (a *minioClientAdapter) PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error) {
	return a.client.PresignedGetObject(ctx, bucketName, objectName, expiry, reqParams)
}

func (a *minioClientAdapter) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return a.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (a *minioClientAdapter) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error) {
	return minio.Core{Client: a.client}.GetObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return a.client.StatObject(ctx, bucketName, objectName, opts)
}

// ClientConfig holds configuration for the MinIO client.
type ClientConfig struct {
	Endpoint       string
	PublicEndpoint string // Optional: external-facing endpoint for presigned URLs
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string // Optional: skips bucket location lookups when set
	UseSSL         bool
}

// Client wraps a MinIO client and implements repository.HotStore.
type Client struct {
	client          minioClient
	presignedClient minioClient // Separate client for presigned URLs (may use public endpoint)
	bucket          string
}

// Compile-time verification that Client implements repository.HotStore.
var _ repository.HotStore = (*Client)(nil)

// NewClient creates a new MinIO client.
// It verifies the bucket exists during initialization to fail fast on misconfiguration.
// If PublicEndpoint is set, a separate client is created for presigned URL generation.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	adapter := &minioClientAdapter{client: client}

	var presignedAdapter minioClient = adapter
	if cfg.PublicEndpoint != "" {
		presignedClient, err := minio.New(cfg.PublicEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create presigned minio client: %w", err)
		}
		presignedAdapter = &minioClientAdapter{client: presignedClient}
	}

	return newClientWithMinioClient(ctx, adapter, presignedAdapter, cfg.Bucket)
}

// newClientWithMinioClient creates a Client with a given minioClient implementation.
// This is used for dependency injection in tests.
func newClientWithMinioClient(ctx context.Context, client, presignedClient minioClient, bucket string) (*Client, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", repository.ErrBucketNotFound, bucket)
	}

	return &Client{
		client:          client,
		presignedClient: presignedClient,
		bucket:          bucket,
	}, nil
}

// ObjectKey returns the content-addressed key for a hash.
// Format: objects/{hash[0:2]}/{hash}
func ObjectKey(contentHash string) string {
	shard := contentHash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(objectPrefix, shard, contentHash)
}

// Put stores content under its hash. Re-uploading identical content
// overwrites the same key, so Put is idempotent.
func (c *Client) Put(ctx context.Context, reader io.Reader, size int64, contentHash, contentType string) (string, error) {
	if contentHash == "" {
		return "", fmt.Errorf("failed to upload object: empty content hash")
	}
	key := ObjectKey(contentHash)

	_, err := c.client.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{hashMetadataKey: contentHash},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}
	return key, nil
}

// Get retrieves an object, or a range of it.
// The returned Range is whatever the server reported in Content-Range; a
// server that ignores the range yields the full body with a nil Range.
// Caller is responsible for closing the returned stream body.
func (c *Client) Get(ctx context.Context, ref string, rng *model.ByteRange) (*model.Stream, error) {
	opts := minio.GetObjectOptions{}
	if rng != nil {
		if err := opts.SetRange(rng.Start, rng.End); err != nil {
			return nil, fmt.Errorf("failed to set range: %w", err)
		}
	}

	body, info, header, err := c.client.GetObject(ctx, c.bucket, ref, opts)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, repository.ErrObjectNotFound
		}
		if minio.ToErrorResponse(err).StatusCode == http.StatusRequestedRangeNotSatisfiable {
			return nil, model.ErrRangeNotSatisfiable
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	stream := &model.Stream{
		Body:          body,
		ContentType:   info.ContentType,
		ContentLength: info.Size,
		TotalSize:     info.Size,
	}
	contentRange := header.Get("Content-Range")
	if rng == nil || contentRange == "" {
		return stream, nil
	}

	served, total, err := model.ParseContentRange(contentRange)
	if err != nil {
		_ = body.Close() // Best effort close on error path
		return nil, fmt.Errorf("failed to read object range: %w", err)
	}
	if served == nil {
		_ = body.Close()
		return nil, fmt.Errorf("failed to read object range: unexpected content-range %q", contentRange)
	}
	stream.Range = served
	stream.TotalSize = total
	stream.ContentLength = served.Length()
	return stream, nil
}

// Exists checks if an object exists in the storage.
func (c *Client) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, ref, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Stat returns size and recorded hash of an object.
func (c *Client) Stat(ctx context.Context, ref string) (*repository.ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, c.bucket, ref, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return &repository.ObjectInfo{
		Ref:          ref,
		Size:         info.Size,
		ContentHash:  recordedHash(info),
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// PresignedURL creates a presigned URL for downloading an object.
// Uses presignedClient which may be configured with a public endpoint.
func (c *Client) PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	presignedURL, err := c.presignedClient.PresignedGetObject(ctx, c.bucket, ref, expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned download URL: %w", err)
	}
	return presignedURL.String(), nil
}

// Ping verifies the MinIO connection is alive by checking bucket access.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to ping minio: %w", err)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// recordedHash reads the hash user metadata regardless of key casing.
func recordedHash(info minio.ObjectInfo) string {
	for k, v := range info.UserMetadata {
		if strings.EqualFold(k, hashMetadataKey) || strings.EqualFold(k, "X-Amz-Meta-"+hashMetadataKey) {
			return v
		}
	}
	return info.Metadata.Get("X-Amz-Meta-" + hashMetadataKey)
}
