package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/storage"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	// pageSize forces pagination in ListObjectsV2
	pageSize int
}

func newFake() *fakeS3 { return &fakeS3{objects: map[string][]byte{}, pageSize: 2} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if len(k) >= len(aws.ToString(in.Prefix)) && k[:len(aws.ToString(in.Prefix))] == aws.ToString(in.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	s, err := New(ctx, api, "bucket", "frags/", 100)
	require.NoError(t, err)

	tok, err := s.Allocate(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, s.Store(ctx, "h1", []byte("hello"), tok))
	assert.Contains(t, api.objects, "frags/h1")

	ok, err := s.Exists(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := s.Read(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	u, _ := s.Usage(ctx)
	assert.Equal(t, int64(5), u.Used)
	assert.Zero(t, u.Reserved)

	require.NoError(t, s.Delete(ctx, "h1"))
	_, err = s.Read(ctx, "h1")
	require.ErrorIs(t, err, common.ErrorNotFound)
	require.ErrorIs(t, s.Delete(ctx, "h1"), common.ErrorNotFound)

	u, _ = s.Usage(ctx)
	assert.Zero(t, u.Used)
}

func TestNew_AccountsExistingObjectsAcrossPages(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.objects["frags/a"] = []byte("1")
	api.objects["frags/b"] = []byte("22")
	api.objects["frags/c"] = []byte("333")
	api.objects["other/d"] = []byte("4444")
	api.objects["frags/nested/e"] = []byte("55555")

	s, err := New(ctx, api, "bucket", "frags/", 0)
	require.NoError(t, err)

	u, _ := s.Usage(ctx)
	assert.Equal(t, int64(6), u.Used)
	assert.Equal(t, 3, u.Count)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, list)
}

func TestStore_PutFailureIsIOError(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.putErr = errors.New("connection reset")
	s, err := New(ctx, api, "bucket", "", 0)
	require.NoError(t, err)

	err = s.Store(ctx, "h", []byte("x"), nil)
	var ioe *storage.IOError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "store", ioe.Op)

	ok, _ := s.Exists(ctx, "h")
	assert.False(t, ok)
}

func TestStore_CapacityAndDuplicates(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, newFake(), "bucket", "", 4)
	require.NoError(t, err)

	require.ErrorIs(t, s.Store(ctx, "big", []byte("12345"), nil), storage.ErrInsufficientSpace)
	require.NoError(t, s.Store(ctx, "h", []byte("abc"), nil))
	require.NoError(t, s.Store(ctx, "h", []byte("abc"), nil))

	u, _ := s.Usage(ctx)
	assert.Equal(t, 1, u.Count)
}

func TestNewClient_AppliesConfig(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNew := newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-west-1", lo.Region)
		creds, err := lo.Credentials.Retrieve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "minio", creds.AccessKeyID)
		return aws.Config{}, nil
	}

	var opts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) API {
		for _, fn := range optFns {
			fn(&opts)
		}
		return newFake()
	}

	_, err := NewClient(context.Background(), Config{Region: "eu-west-1", User: "minio", Password: "secret", BaseEndpoint: "http://127.0.0.1:9000"})
	require.NoError(t, err)
	require.NotNil(t, opts.BaseEndpoint)
	assert.Equal(t, "http://127.0.0.1:9000", *opts.BaseEndpoint)
	assert.True(t, opts.UsePathStyle)
}

func TestNewClient_LoadError(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = origLoad })

	loadDefaultAWSConfig = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}
