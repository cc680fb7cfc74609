// Package s3store keeps fragments in an S3-compatible bucket, one object
// per fragment hash.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/storage"
)

// API is the part of *s3.Client the store uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config selects the bucket and credentials.
type Config struct {
	Bucket       string
	Prefix       string
	Region       string
	User         string
	Password     string
	BaseEndpoint string
	Capacity     int64
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// NewClient builds an S3 client for cfg with static credentials, the way a
// MinIO deployment expects it.
func NewClient(ctx context.Context, cfg Config) (API, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.User, cfg.Password, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Store is a storage.Store backed by a bucket.
type Store struct {
	api    API
	bucket string
	prefix string
	quota  *storage.Quota

	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open connects to the bucket described by cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	api, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(ctx, api, cfg.Bucket, cfg.Prefix, cfg.Capacity)
}

// New wraps api and accounts for the objects already under prefix.
func New(ctx context.Context, api API, bucket, prefix string, capacity int64) (*Store, error) {
	s := &Store{api: api, bucket: bucket, prefix: prefix, quota: storage.NewQuota(capacity)}

	err := s.walk(ctx, func(_ string, size int64) {
		s.quota.Commit(size, nil)
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) key(hash string) string { return s.prefix + hash }

func (s *Store) walk(ctx context.Context, fn func(hash string, size int64)) error {
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return &storage.IOError{Op: "list", Err: err}
		}
		for _, obj := range page.Contents {
			hash := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if hash == "" || strings.Contains(hash, "/") {
				continue
			}
			fn(hash, aws.ToInt64(obj.Size))
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *Store) Allocate(_ context.Context, size int64) (*storage.Token, error) {
	return s.quota.Reserve(size)
}

func (s *Store) Release(_ context.Context, t *storage.Token) error {
	return s.quota.Release(t)
}

func (s *Store) Store(ctx context.Context, hash string, data []byte, t *storage.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.Exists(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		_ = s.quota.Release(t)
		return nil
	}

	if err := s.quota.Begin(int64(len(data)), t); err != nil {
		return err
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(hash)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return &storage.IOError{Op: "store", Hash: hash, Err: err}
	}

	s.quota.Commit(int64(len(data)), t)
	return nil
}

func (s *Store) Read(ctx context.Context, hash string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("fragment %s: %w", hash, common.ErrorNotFound)
	}
	if err != nil {
		return nil, &storage.IOError{Op: "read", Hash: hash, Err: err}
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &storage.IOError{Op: "read", Hash: hash, Err: err}
	}
	return b, nil
}

func (s *Store) head(ctx context.Context, hash string) (int64, bool, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if isNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &storage.IOError{Op: "stat", Hash: hash, Err: err}
	}
	return aws.ToInt64(out.ContentLength), true, nil
}

func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	_, ok, err := s.head(ctx, hash)
	return ok, err
}

func (s *Store) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, ok, err := s.head(ctx, hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fragment %s: %w", hash, common.ErrorNotFound)
	}

	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return &storage.IOError{Op: "delete", Hash: hash, Err: err}
	}

	s.quota.Free(size)
	return nil
}

func (s *Store) Usage(context.Context) (storage.Usage, error) {
	return s.quota.Usage(), nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.walk(ctx, func(hash string, _ int64) { out = append(out, hash) }); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
