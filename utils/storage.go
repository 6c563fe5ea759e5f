package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// LocalStorage implements StorageService for local disk.
type LocalStorage struct {
	UploadDir string
	URLPrefix string
}

func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create upload directory %s: %w", dir, err)
	}
	return &LocalStorage{UploadDir: dir, URLPrefix: "/uploads/"}, nil
}

func (ls *LocalStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fullPath := filepath.Join(ls.UploadDir, filepath.Base(key))
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", err
	}
	return ls.URLPrefix + filepath.Base(key), nil
}

// Delete removes the files behind the given URLs. Missing files are not an error.
func (ls *LocalStorage) Delete(ctx context.Context, urls ...string) error {
	var errs []error
	for _, u := range urls {
		if u == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fullPath := filepath.Join(ls.UploadDir, objectKey(u))
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// S3Storage implements StorageService for S3-compatible object storage.
type S3Storage struct {
	Client     *minio.Client
	BucketName string
	PublicURL  string
}

func NewS3Storage(ctx context.Context, endpoint, accessKey, secretKey, bucket, region, publicURL string, useSSL bool) (*S3Storage, error) {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	var creds *credentials.Credentials
	if accessKey == "" || secretKey == "" {
		creds = credentials.NewIAM("")
	} else {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}

	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := minioClient.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	if publicURL == "" {
		protocol := "http"
		if useSSL {
			protocol = "https"
		}
		publicURL = fmt.Sprintf("%s://%s.%s", protocol, bucket, endpoint)
	}

	return &S3Storage{
		Client:     minioClient,
		BucketName: bucket,
		PublicURL:  strings.TrimSuffix(publicURL, "/"),
	}, nil
}

func (s3 *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s3.Client.PutObject(ctx, s3.BucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", s3.PublicURL, key), nil
}

func (s3 *S3Storage) Delete(ctx context.Context, urls ...string) error {
	var errs []error
	for _, u := range urls {
		if u == "" {
			continue
		}
		if err := s3.Client.RemoveObject(ctx, s3.BucketName, objectKey(u), minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", u, err))
		}
	}
	return errors.Join(errs...)
}

// objectKey maps a stored URL back to its key. Keys are flat, so it is the last path segment.
func objectKey(url string) string {
	return path.Base(url)
}
