package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client implements ObjectStorage on an S3 bucket.
type S3Client struct {
	client *s3.Client
	bucket string
}

func NewS3Client(ctx context.Context, region, bucket string) (*S3Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Client{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
	}, nil
}

func (c *S3Client) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}

func (c *S3Client) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return data, nil
}

func (c *S3Client) GetAll(ctx context.Context, prefix string) (map[string][]byte, error) {
	keys, err := c.list(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = data
	}
	return out, nil
}

func (c *S3Client) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := c.list(ctx, prefix)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &c.bucket,
			Key:    &key,
		}); err != nil {
			return fmt.Errorf("S3 DeleteObject failed: %w", err)
		}
	}

	if len(keys) > 0 {
		log.Printf("Deleted %d objects under %s", len(keys), prefix)
	}
	return nil
}

func (c *S3Client) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: &c.bucket,
		Prefix: &prefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 ListObjects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}
