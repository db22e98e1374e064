// Package storage はオブジェクトストレージ（MinIO/S3互換）の操作を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound は対象オブジェクトが存在しないことを示します。
var ErrNotFound = errors.New("storage: object not found")

// Config はストレージ接続の設定です。
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	RefTTL    time.Duration // 署名付きURLの有効期間
}

// Store は成果物・配布物の保存と署名付きURLの発行を行います。
type Store struct {
	client *minio.Client
	bucket string
	refTTL time.Duration
}

// New は Store を作成し、バケットがなければ作成します。
func New(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		client: client,
		bucket: cfg.Bucket,
		refTTL: cfg.RefTTL,
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// SourceKey は入力ファイルのオブジェクトキーを返します。
func SourceKey(fileID string) string {
	return fmt.Sprintf("sources/%s.pdf", fileID)
}

// ArtifactKey は1ファイル分の成果物のオブジェクトキーを返します。
func ArtifactKey(jobID, fileID string) string {
	return fmt.Sprintf("jobs/%s/artifacts/%s.pdf", jobID, fileID)
}

// BundleKey はジョブの配布物のオブジェクトキーを返します。
func BundleKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/bundle.zip", jobID)
}

// FetchSource は入力ファイルを開きます。存在しない場合は ErrNotFound を返します。
func (s *Store) FetchSource(ctx context.Context, fileID string) (io.ReadCloser, error) {
	return s.fetch(ctx, SourceKey(fileID))
}

// FetchArtifact は保存済みオブジェクトを開きます。
func (s *Store) FetchArtifact(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.fetch(ctx, key)
}

func (s *Store) fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject は遅延評価のため、存在確認は Stat で行う。
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

// Put はオブジェクトを保存します。既に存在するキーには書き込みません
// （write-once。リトライ時の重複アップロードを無害化します）。
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return err
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Exists はオブジェクトの存在を確認します。
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

// PresignGet は期限付きのダウンロードURLと失効時刻を返します。
func (s *Store) PresignGet(ctx context.Context, key string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(s.refTTL)
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.refTTL, url.Values{})
	if err != nil {
		return "", time.Time{}, err
	}
	return presigned.String(), expiresAt, nil
}

// Ping はストレージへの到達性を確認します。
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
