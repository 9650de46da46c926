// Package publish uploads finished mosaics to S3 compatible storage.
package publish

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/nci/s2mosaic/utils"
)

// Client is the part of *minio.Client the publisher needs.
type Client interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Publisher struct {
	Client  Client
	Bucket  string
	Prefix  string
	Region  string
	Timeout time.Duration
	Log     *zap.Logger
}

func New(cfg utils.StorageConfig, log *zap.Logger) (*Publisher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("Storage client for %s: %v", cfg.Endpoint, err)
	}
	return &Publisher{
		Client:  client,
		Bucket:  cfg.Bucket,
		Prefix:  cfg.Prefix,
		Region:  cfg.Region,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Log:     log,
	}, nil
}

// ObjectName is the key a run output is stored under:
// <prefix>/<run id>/<file name>.
func (p *Publisher) ObjectName(runID, file string) string {
	return strings.TrimPrefix(path.Join(p.Prefix, runID, filepath.Base(file)), "/")
}

// Publish uploads files, creating the bucket when it does not exist.
func (p *Publisher) Publish(ctx context.Context, runID string, files []string) error {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout*time.Duration(len(files)+1))
		defer cancel()
	}

	exists, err := p.Client.BucketExists(ctx, p.Bucket)
	if err != nil {
		return fmt.Errorf("Checking bucket %s: %v: %w", p.Bucket, err, utils.ErrOutputWriteFailure)
	}
	if !exists {
		if err := p.Client.MakeBucket(ctx, p.Bucket, minio.MakeBucketOptions{Region: p.Region}); err != nil {
			return fmt.Errorf("Creating bucket %s: %v: %w", p.Bucket, err, utils.ErrOutputWriteFailure)
		}
		log.Info("created bucket", zap.String("bucket", p.Bucket))
	}

	for _, f := range files {
		object := p.ObjectName(runID, f)
		info, err := p.Client.FPutObject(ctx, p.Bucket, object, f, minio.PutObjectOptions{ContentType: contentType(f)})
		if err != nil {
			return fmt.Errorf("Uploading %s: %v: %w", f, err, utils.ErrOutputWriteFailure)
		}
		log.Debug("published", zap.String("object", object), zap.Int64("size", info.Size))
	}
	log.Info("published run outputs", zap.String("bucket", p.Bucket), zap.String("run_id", runID), zap.Int("files", len(files)))
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".tif", ".tiff":
		return "image/tiff"
	case ".png":
		return "image/png"
	case ".vrt":
		return "application/xml"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain"
	}
	return "application/octet-stream"
}
