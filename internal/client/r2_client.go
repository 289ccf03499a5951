package client

import (
	"context"
	"fmt"
	"io"
	"mime"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/workletforge/studio/internal/config"
)

// DeleteObjects accepts at most this many keys per call
const maxDeleteBatch = 1000

// AttachmentObject is one file headed for the bucket
type AttachmentObject struct {
	Key         string
	ThreadID    string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// StorageClient stores thread attachments
type StorageClient interface {
	Put(ctx context.Context, obj AttachmentObject) (string, error)
	Remove(ctx context.Context, keys ...string) error
	RemovePrefix(ctx context.Context, prefix string) (int, error)
}

// R2Client keeps attachments in a Cloudflare R2 bucket via the S3 API
type R2Client struct {
	s3        *s3.Client
	bucket    string
	publicURL string
}

// NewR2Client fails when credentials are missing so callers can fall back
// to mock storage.
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("R2 bucket name missing")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(creds),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	accountEndpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	return &R2Client{
		s3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(accountEndpoint)
			o.UsePathStyle = true
		}),
		bucket:    cfg.BucketName,
		publicURL: cfg.PublicURL,
	}, nil
}

// Put uploads obj tagged with its thread and returns the URL the studio links to
func (c *R2Client) Put(ctx context.Context, obj AttachmentObject) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:             aws.String(c.bucket),
		Key:                aws.String(obj.Key),
		Body:               obj.Body,
		ContentType:        aws.String(obj.ContentType),
		ContentDisposition: aws.String(mime.FormatMediaType("attachment", map[string]string{"filename": obj.Filename})),
		Metadata: map[string]string{
			"thread-id": obj.ThreadID,
			"filename":  obj.Filename,
		},
	}
	if obj.Size > 0 {
		input.ContentLength = aws.Int64(obj.Size)
	}

	if _, err := c.s3.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put %s: %w", obj.Key, err)
	}
	return c.objectURL(obj.Key), nil
}

// Remove deletes keys in batches. Keys that no longer exist are not errors.
func (c *R2Client) Remove(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

// RemovePrefix deletes every object under prefix and reports how many went
func (c *R2Client) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	if err := c.Remove(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (c *R2Client) objectURL(key string) string {
	if c.publicURL != "" {
		return c.publicURL + "/" + key
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com/%s", c.bucket, key)
}
