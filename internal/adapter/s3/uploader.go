package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vertextoedge/offline-sync/internal/port"
)

// Config contains S3 upload configuration
type Config struct {
	Bucket       string
	KeyPrefix    string
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// objectUploader is the subset of manager.Uploader used here
type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Uploader pushes local artifacts to S3 (or compatible APIs)
type Uploader struct {
	uploader  objectUploader
	bucket    string
	keyPrefix string
}

// Ensure Uploader implements port.Uploader
var _ port.Uploader = (*Uploader)(nil)

// NewUploader builds an S3 client from the default AWS config chain
func NewUploader(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("upload bucket is required")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(cfg.Region))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return newUploader(manager.NewUploader(client), cfg), nil
}

func newUploader(u objectUploader, cfg Config) *Uploader {
	return &Uploader{
		uploader:  u,
		bucket:    cfg.Bucket,
		keyPrefix: strings.Trim(cfg.KeyPrefix, "/"),
	}
}

// Upload sends localPath under key and returns the s3:// URL
func (u *Uploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open file %s: %w", localPath, err)
	}
	defer f.Close()

	objectKey := u.objectKey(localPath, key)
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(objectKey),
		Body:   f,
		ACL:    types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}

	return fmt.Sprintf("s3://%s/%s", u.bucket, objectKey), nil
}

func (u *Uploader) objectKey(localPath, key string) string {
	key = strings.Trim(filepath.ToSlash(key), "/")
	if key == "" {
		key = filepath.Base(localPath)
	}
	if u.keyPrefix == "" {
		return key
	}
	return path.Join(u.keyPrefix, key)
}
