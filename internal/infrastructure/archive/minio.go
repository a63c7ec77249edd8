package archive

import (
	"bytes"
	"context"
	"fmt"

	"vision-server/internal/domain"
	"vision-server/pkg/logger"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// MinioConfig - параметры подключения к MinIO/S3.
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

// MinioArchive хранит снимки в бакете MinIO.
type MinioArchive struct {
	client *minio.Client
	cfg    MinioConfig
	log    *logrus.Entry
}

// NewMinioArchive создает клиент на основе официальной библиотеки minio-go.
func NewMinioArchive(cfg MinioConfig) (*MinioArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioArchive{
		client: client,
		cfg:    cfg,
		log:    logger.For("minio_archive").WithField("bucket", cfg.Bucket),
	}, nil
}

// ensureBucket создаёт бакет, если он не существует.
func (a *MinioArchive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", a.cfg.Bucket, err)
		}
		a.log.Info("Bucket created")
	}
	return nil
}

func (a *MinioArchive) Put(ctx context.Context, s *Snapshot) (string, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, s); err != nil {
		return "", err
	}
	key := ObjectKey(s)
	_, err := a.client.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("put object failed: %w", err)
	}
	a.log.WithFields(logrus.Fields{"key": key, "bytes": buf.Len()}).Debug("Snapshot uploaded")
	return key, nil
}

func (a *MinioArchive) List(ctx context.Context, mapID string) ([]string, error) {
	var keys []string
	for object := range a.client.ListObjects(ctx, a.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    mapPrefix(mapID),
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list objects failed: %w", object.Err)
		}
		keys = append(keys, object.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (a *MinioArchive) Latest(ctx context.Context, mapID string) (*Snapshot, error) {
	keys, err := a.List(ctx, mapID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, &domain.NotFoundError{Kind: "snapshot", ID: mapID}
	}
	obj, err := a.client.GetObject(ctx, a.cfg.Bucket, keys[len(keys)-1], minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object failed: %w", err)
	}
	defer obj.Close()
	return Decode(obj)
}
