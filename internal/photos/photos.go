// Package photos wraps the S3-compatible bucket holding profile photos.
// Objects are keyed "<user id>/<file name>".
package photos

import (
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config defines fields used to reach the object store.
type Config struct {
	Endpoint  string `env:"S3_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"S3_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"S3_SECRET_KEY" envDefault:"minioadmin"`
	Bucket    string `env:"S3_BUCKET" envDefault:"profile-photos"`
	UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`
}

// Store removes profile photos from the bucket.
type Store struct {
	logger *zap.SugaredLogger
	client *minio.Client
	bucket string
}

// New builds a minio client from the Config.
func New(logger *zap.SugaredLogger, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// DeleteAll removes every object under the user's prefix and reports
// whether anything was actually removed. An empty prefix is not an error.
func (s *Store) DeleteAll(ctx context.Context, userID string) (bool, error) {
	s.logger.Debugf("Removing profile photos for user (%s)", userID)

	deleted := false
	opts := minio.ListObjectsOptions{Prefix: userID + "/", Recursive: true}
	for object := range s.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			return deleted, object.Err
		}

		err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{})
		if err != nil {
			return deleted, err
		}
		deleted = true
	}

	return deleted, nil
}
