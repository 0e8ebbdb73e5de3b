// Package storage copies signed artifacts to long-term file storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrInvalidName is returned for remote names that would escape the
// configured prefix.
var ErrInvalidName = errors.New("storage: invalid remote name")

// Uploader stores a local file under remoteName and returns the remote path
// the CRM should link to.
type Uploader interface {
	Upload(ctx context.Context, localPath, remoteName string) (string, error)
}

// S3Config configures an S3-compatible bucket (AWS, R2, MinIO).
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Uploader puts objects into a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds an uploader with static credentials.
func NewS3(cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("storage: access key id and secret are required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3Uploader{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Upload streams the file with PutObject and returns "/<key>".
func (u *S3Uploader) Upload(ctx context.Context, localPath, remoteName string) (string, error) {
	key, err := joinKey(u.prefix, remoteName)
	if err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("storage: open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("storage: stat %s: %w", localPath, err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/pdf"),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", key, err)
	}
	return "/" + key, nil
}

// DirUploader mirrors artifacts into a local directory, e.g. a synced or
// network-mounted folder.
type DirUploader struct {
	root string
}

// NewDir creates root if needed.
func NewDir(root string) (*DirUploader, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", root, err)
	}
	return &DirUploader{root: root}, nil
}

func (u *DirUploader) Upload(ctx context.Context, localPath, remoteName string) (string, error) {
	key, err := joinKey("", remoteName)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("storage: open %s: %w", localPath, err)
	}
	defer src.Close()

	dst := filepath.Join(u.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("storage: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("storage: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", fmt.Errorf("storage: copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage: copy: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("storage: rename: %w", err)
	}
	return "/" + key, nil
}

func joinKey(prefix, name string) (string, error) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if prefix == "" {
		return path.Clean(name), nil
	}
	return path.Join(prefix, name), nil
}
