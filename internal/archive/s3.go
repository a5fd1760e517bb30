package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/abid-rules-server/internal/domain"
)

// ObjectPutter is the subset of the S3 client used for exports.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter uploads archive exports to a bucket.
type S3Exporter struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from the default AWS credential chain.
// A configured endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg domain.StorageConfig) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	endpoint := awsCfg.BaseEndpoint
	if cfg.Endpoint != "" {
		endpoint = aws.String(cfg.Endpoint)
	}

	return s3.New(s3.Options{
		Region:       awsCfg.Region,
		Credentials:  awsCfg.Credentials,
		HTTPClient:   awsCfg.HTTPClient,
		BaseEndpoint: endpoint,
		UsePathStyle: endpoint != nil,
	}), nil
}

// NewS3Exporter creates an exporter writing under prefix in bucket.
func NewS3Exporter(client ObjectPutter, bucket, prefix string) (*S3Exporter, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" {
		return nil, domain.NewValidationError("bucket", "is required", bucket)
	}
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix}, nil
}

// Export writes the full archive to key, or to a timestamped key under the prefix when key is empty.
// It returns the object key written.
func (e *S3Exporter) Export(ctx context.Context, store Store, key string) (string, error) {
	if key == "" {
		key = path.Join(e.prefix, fmt.Sprintf("workups_%s.json", time.Now().UTC().Format("20060102_150405")))
	}

	var buf bytes.Buffer
	if err := store.ExportJSON(ctx, &buf); err != nil {
		return "", err
	}

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s/%s: %w", e.bucket, key, err)
	}
	return key, nil
}
