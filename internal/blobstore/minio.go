package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MinioClient stores objects in an S3 compatible bucket. Object and
// location references are both the object key; locators are presigned URLs.
type MinioClient struct {
	client     *minio.Client
	bucketName string
	presignTTL time.Duration
	httpClient *http.Client
}

// NewMinioClient initializes a new MinIO client and ensures the bucket exists
func NewMinioClient(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool, presignTTL time.Duration) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:     client,
		bucketName: bucketName,
		presignTTL: presignTTL,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		logger.Info("creating bucket", zap.String("bucket", bucketName))
		err = client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return mc, nil
}

// Store uploads data under a fresh key derived from name.
func (mc *MinioClient) Store(ctx context.Context, data []byte, name, mimetype string) (models.RemoteRef, error) {
	objectKey := fmt.Sprintf("objects/%s/%s", uuid.New().String(), path.Base(name))

	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	if mimetype == "" {
		mimetype = "application/octet-stream"
	}

	reader := bytes.NewReader(data)
	_, err := mc.client.PutObject(ctx, mc.bucketName, objectKey, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: mimetype,
	})
	if err != nil {
		span.RecordError(err)
		return models.RemoteRef{}, fmt.Errorf("%w: put object: %v", ErrRemoteUnavailable, err)
	}

	return models.RemoteRef{ObjectRef: objectKey, LocationRef: objectKey}, nil
}

// Resolve presigns a GET for the object, valid for the configured TTL.
func (mc *MinioClient) Resolve(ctx context.Context, objectRef string) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.presign_get",
		trace.WithAttributes(
			attribute.String("object_key", objectRef),
		),
	)
	defer span.End()

	u, err := mc.client.PresignedGetObject(ctx, mc.bucketName, objectRef, mc.presignTTL, nil)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: presign: %v", ErrRemoteUnavailable, err)
	}
	return u.String(), nil
}

// Fetch downloads a presigned URL.
func (mc *MinioClient) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return fetchURL(ctx, mc.httpClient, locator)
}

// Delete removes the object from the bucket
func (mc *MinioClient) Delete(ctx context.Context, locationRef string) error {
	ctx, span := tracer.Start(ctx, "minio.remove_object",
		trace.WithAttributes(
			attribute.String("object_key", locationRef),
		),
	)
	defer span.End()

	err := mc.client.RemoveObject(ctx, mc.bucketName, locationRef, minio.RemoveObjectOptions{})
	if err != nil {
		span.RecordError(err)
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrObjectNotFound
		}
		return fmt.Errorf("%w: remove object: %v", ErrRemoteUnavailable, err)
	}

	return nil
}
