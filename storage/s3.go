package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// artifactTypeMetadata tags every object with the fleet content type so the
// image build can filter a bucket listing without parsing keys.
const artifactTypeMetadata = "Fleet-Artifact-Type"

// S3Backend stores fleet artifacts in an S3 bucket or an S3 compatible
// store. Objects are private and encrypted at rest with SSE-S3.
type S3Backend struct {
	client      *s3.S3
	bucket      string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates an S3 backend. With empty accessKey and secretKey the
// default AWS credential chain (environment, shared config, instance role)
// is used. A non-empty endpoint selects path-style addressing for MinIO and
// similar stores.
func NewS3Backend(bucket, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", interfaces.ErrInvalidLocationURI)
	}

	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	if accessKey != "" || secretKey != "" {
		if accessKey == "" || secretKey == "" {
			return nil, fmt.Errorf("%w: s3 access key and secret key must be set together", interfaces.ErrInvalidLocationURI)
		}
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(accessKey, secretKey, ""))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	prefix = strings.Trim(prefix, "/")
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucket, prefix, region)
	if endpoint != "" {
		uri += "&endpoint=" + endpoint
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucket:      bucket,
		prefix:      prefix,
		log:         log.With(slog.String("backend", "s3"), slog.String("bucket", bucket)),
		locationURI: uri,
	}, nil
}

// Fetch downloads an artifact and checks it against its content id.
func (b *S3Backend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	key := b.objectKey(id, contentType)

	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("Failed to get object", slog.String("key", key), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer out.Body.Close()

	data, err := readObject(out.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read s3://%s/%s: %w", b.bucket, key, err)
	}
	if err := checkContent(id, data); err != nil {
		b.log.Error("Object does not match its content id", slog.String("key", key))
		return nil, err
	}

	b.log.Debug("Fetched artifact", slog.String("key", key), slog.Int("size", len(data)))
	return data, nil
}

// Store uploads an artifact under its content id. Uploading the same bytes
// twice writes the same key.
func (b *S3Backend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	key := b.objectKey(id, contentType)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/octet-stream"),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
		Metadata:             map[string]*string{artifactTypeMetadata: aws.String(contentType.String())},
	})
	if err != nil {
		return id, fmt.Errorf("could not upload s3://%s/%s: %w", b.bucket, key, err)
	}

	b.log.Debug("Stored artifact", slog.String("key", key), slog.Int("size", len(data)))
	return id, nil
}

// Available reports whether the bucket can be reached with the configured
// credentials.
func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		b.log.Warn("Bucket unavailable", "err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return "s3-" + b.bucket
}

func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

// objectKey lays artifacts out as <prefix>/<type>/<content id>.
func (b *S3Backend) objectKey(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.prefix, contentType.String(), id.String())
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}
