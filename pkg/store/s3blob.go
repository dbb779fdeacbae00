package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// clientsByRegion memoizes one S3 client per region for the lifetime of
// the process, so that documents whose buckets span regions don't each
// pay AWS credential-resolution cost per request.
var clientsByRegion sync.Map // map[string]*s3.Client

func s3ClientForRegion(region string) (*s3.Client, error) {
	if v, ok := clientsByRegion.Load(region); ok {
		return v.(*s3.Client), nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("store: loading aws config for region %q: %w", region, err)
	}
	client := s3.NewFromConfig(cfg)
	actual, _ := clientsByRegion.LoadOrStore(region, client)
	return actual.(*s3.Client), nil
}

// S3Blob is the Blob implementation backed by S3. A document's bucketInfo
// may carry "bucket" and "region" keys naming the physical bucket/region to
// address for that document; either or both fall back to the defaults the
// S3Blob was constructed with, so a server can run with one default bucket
// and still let individual documents route elsewhere.
type S3Blob struct {
	defaultBucket string
	defaultRegion string
}

// NewS3Blob builds an S3Blob with the given default bucket/region, used for
// any document whose bucketInfo doesn't override them.
func NewS3Blob(defaultBucket, defaultRegion string) (*S3Blob, error) {
	if _, err := s3ClientForRegion(defaultRegion); err != nil {
		return nil, err
	}
	return &S3Blob{defaultBucket: defaultBucket, defaultRegion: defaultRegion}, nil
}

func (s *S3Blob) resolve(bucketInfo map[string]string) (bucket, region string) {
	bucket, region = s.defaultBucket, s.defaultRegion
	if v, ok := bucketInfo["bucket"]; ok && v != "" {
		bucket = v
	}
	if v, ok := bucketInfo["region"]; ok && v != "" {
		region = v
	}
	return bucket, region
}

func (s *S3Blob) Read(ctx context.Context, bucketInfo map[string]string, path string) (string, error) {
	bucket, region := s.resolve(bucketInfo)
	client, err := s3ClientForRegion(region)
	if err != nil {
		return "", err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: reading blob %s/%s: %w", bucket, path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("store: reading blob body %s/%s: %w", bucket, path, err)
	}
	return string(data), nil
}

func (s *S3Blob) Write(ctx context.Context, bucketInfo map[string]string, path, content string) error {
	bucket, region := s.resolve(bucketInfo)
	client, err := s3ClientForRegion(region)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader([]byte(content)),
	})
	if err != nil {
		return fmt.Errorf("store: writing blob %s/%s: %w", bucket, path, err)
	}
	return nil
}

func (s *S3Blob) Delete(ctx context.Context, bucketInfo map[string]string, path string) error {
	bucket, region := s.resolve(bucketInfo)
	client, err := s3ClientForRegion(region)
	if err != nil {
		return err
	}
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("store: deleting blob %s/%s: %w", bucket, path, err)
	}
	return nil
}
