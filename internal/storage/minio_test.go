package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string]string
	existErr error
	putErr   error
	uploaded chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		buckets:  map[string]bool{},
		objects:  map[string]string{},
		uploaded: make(chan string, 4),
	}
}

func (f *fakeStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	if f.existErr != nil {
		return false, f.existErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStore) FPutObject(_ context.Context, bucket, object, path string, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	f.mu.Lock()
	f.objects[bucket+"/"+object] = path
	f.mu.Unlock()
	f.uploaded <- object
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: 10}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMirrorCreatesMissingBucket(t *testing.T) {
	store := newFakeStore()
	_, err := newMirror(context.Background(), store, "archives", quietLogger())
	require.NoError(t, err)
	assert.True(t, store.buckets["archives"])
}

func TestNewMirrorFailsWhenStoreUnreachable(t *testing.T) {
	store := newFakeStore()
	store.existErr = errors.New("connection refused")
	_, err := newMirror(context.Background(), store, "archives", quietLogger())
	assert.Error(t, err)
}

func TestMirrorUploadsUnderResourceID(t *testing.T) {
	store := newFakeStore()
	m, err := newMirror(context.Background(), store, "archives", quietLogger())
	require.NoError(t, err)

	require.NoError(t, m.Mirror(context.Background(), 4294967296, "/tmp/work/4294967296/x/photos.tgz"))
	assert.Equal(t, "/tmp/work/4294967296/x/photos.tgz", store.objects["archives/4294967296/photos.tgz"])
}

func TestMirrorReportsUploadFailure(t *testing.T) {
	store := newFakeStore()
	m, err := newMirror(context.Background(), store, "archives", quietLogger())
	require.NoError(t, err)
	store.putErr = errors.New("access denied")
	assert.Error(t, m.Mirror(context.Background(), 7, "/tmp/a.tgz"))
}

func TestHookUploadsInBackground(t *testing.T) {
	store := newFakeStore()
	m, err := newMirror(context.Background(), store, "archives", quietLogger())
	require.NoError(t, err)

	m.Hook(context.Background())(9, "/tmp/w/9/1/docs.tgz")
	select {
	case object := <-store.uploaded:
		assert.Equal(t, "9/docs.tgz", object)
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not happen")
	}
}
