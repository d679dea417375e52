package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-context/pkg/logger"
)

type object struct {
	data     []byte
	modified time.Time
}

type fakeClient struct {
	mu      sync.Mutex
	objects map[string]object
	now     time.Time
}

func newFakeClient(now time.Time) *fakeClient {
	return &fakeClient{objects: make(map[string]object), now: now}
}

func (f *fakeClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = object{data: data, modified: f.now}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeClient) ListObjectsV2(_ context.Context, _ *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for k, o := range f.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), LastModified: aws.Time(o.modified)})
	}
	return out, nil
}

func (f *fakeClient) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Storage_StoreGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewWithClient(newFakeClient(time.Now()), "docs", logger.NewTestLogger())

	key, err := store.Store(ctx, bytes.NewReader([]byte("hello")), "uploads/k1")
	require.NoError(t, err)
	assert.Equal(t, "uploads/k1", key)

	rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	var nsk *types.NoSuchKey
	assert.True(t, errors.As(err, &nsk))
}

func TestS3Storage_CleanupBefore(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := newFakeClient(base)
	log := logger.NewTestLogger()
	store := NewWithClient(client, "docs", log)

	_, err := store.Store(ctx, bytes.NewReader([]byte("old")), "uploads/old")
	require.NoError(t, err)
	client.now = base.Add(2 * time.Hour)
	_, err = store.Store(ctx, bytes.NewReader([]byte("new")), "uploads/new")
	require.NoError(t, err)

	require.NoError(t, store.CleanupBefore(ctx, base.Add(time.Hour)))

	assert.NotContains(t, client.objects, "uploads/old")
	assert.Contains(t, client.objects, "uploads/new")
	assert.Equal(t, []string{"Deleted expired objects"}, log.Messages("INFO"))
}

func TestS3Storage_KeyPrefix(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := newFakeClient(base)
	store := NewWithClient(client, "docs", logger.NewTestLogger())
	store.prefix = "tenant-a/"

	key, err := store.Store(ctx, bytes.NewReader([]byte("x")), "results/k.json")
	require.NoError(t, err)
	assert.Equal(t, "results/k.json", key)
	assert.Contains(t, client.objects, "tenant-a/results/k.json")

	rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	require.NoError(t, store.CleanupBefore(ctx, base.Add(time.Minute)))
	assert.Empty(t, client.objects)
}
