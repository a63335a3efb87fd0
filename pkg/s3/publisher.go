package s3

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PublisherInterface uploads usage-log artifacts for public release
type PublisherInterface interface {
	Upload(ctx context.Context, bucket, key string, content []byte) error
	PublishTree(ctx context.Context, bucket, prefix, localRoot string) (int, error)
}

// Publisher publishes mapped usage-log artifacts to an S3 bucket
type Publisher struct {
	client *Client
}

// NewPublisher creates a new publisher
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// Upload uploads one artifact to the specified bucket.
// Retries are handled automatically by the SDK client based on its retry configuration.
func (p *Publisher) Upload(ctx context.Context, bucket, key string, content []byte) error {
	_, err := p.client.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("text/tab-separated-values"),
	})

	if err != nil {
		return fmt.Errorf("failed to upload to S3: bucket=%s, key=%s: %w", bucket, key, err)
	}

	return nil
}

// PublishTree uploads every regular file under localRoot, preserving the
// relative layout below the given key prefix. Returns the number of
// artifacts uploaded.
func (p *Publisher) PublishTree(ctx context.Context, bucket, prefix, localRoot string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(localRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		relativePath, err := filepath.Rel(localRoot, path)
		if err != nil {
			return err
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read artifact %s: %w", path, err)
		}

		key := filepath.ToSlash(filepath.Join(prefix, relativePath))
		if err := p.Upload(ctx, bucket, key, content); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, fmt.Errorf("failed to publish artifact tree %s: %w", localRoot, err)
	}
	return uploaded, nil
}
