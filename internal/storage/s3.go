// Package storage uploads run directories to S3.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the subset of the S3 client used by Uploader.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader copies result artifacts to a bucket.
type Uploader struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

// NewUploader builds an Uploader on the default AWS credential chain.
// An empty region leaves region resolution to the SDK.
func NewUploader(ctx context.Context, bucket, prefix, region string, logger *slog.Logger) (*Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewUploaderWithClient(s3.NewFromConfig(cfg), bucket, prefix, logger), nil
}

// NewUploaderWithClient builds an Uploader around an existing client.
func NewUploaderWithClient(client PutObjectAPI, bucket, prefix string, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Key returns the object key of name inside the run directory dir.
func (u *Uploader) Key(dir, name string) string {
	return path.Join(u.prefix, filepath.Base(dir), filepath.ToSlash(name))
}

// UploadDir uploads every regular file directly inside dir and returns the
// keys written. The upload stops at the first error.
func (u *Uploader) UploadDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read run dir: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key := u.Key(dir, e.Name())
		if err := u.put(ctx, filepath.Join(dir, e.Name()), key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	u.logger.Info("uploaded run artifacts",
		slog.String("bucket", u.bucket),
		slog.String("dir", filepath.Base(dir)),
		slog.Int("objects", len(keys)))
	return keys, nil
}

func (u *Uploader) put(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	in := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := u.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}
