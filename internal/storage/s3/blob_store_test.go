package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := Config{
		Bucket:    "captures",
		Region:    "us-east-1",
		Endpoint:  server.URL,
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
	}
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := NewClient(context.Background(), Config{AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	_, err = New(client, Config{Bucket: " "})
	require.Error(t, err)
}

func TestPutObjectSendsMetadataAndStorageClass(t *testing.T) {
	t.Parallel()

	var called bool
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/captures/daily/shop.example/abcde/1715306400000/html", r.URL.Path)
		assert.Equal(t, "text/html", r.Header.Get("Content-Type"))
		assert.Equal(t, "INTELLIGENT_TIERING", r.Header.Get("X-Amz-Storage-Class"))
		assert.Equal(t, "abcde", r.Header.Get("X-Amz-Meta-Hashedurl"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html></html>")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))

	uri, err := store.PutObject(context.Background(),
		"daily/shop.example/abcde/1715306400000/html", "text/html",
		strings.NewReader("<html></html>"), map[string]string{"hashedUrl": "abcde"})
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, "s3://captures/daily/shop.example/abcde/1715306400000/html", uri)
}

func TestPutObjectError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := store.PutObject(context.Background(), "k", "text/plain", strings.NewReader("x"), nil)
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "text/plain", strings.NewReader("x"), nil)
	require.Error(t, err)
}

func TestPresignGet(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.NotFoundHandler())
	url, err := store.PresignGet(context.Background(), "daily/a.example/abcde/1/screenshot", 15*time.Minute)
	require.NoError(t, err)
	require.Contains(t, url, "/captures/daily/a.example/abcde/1/screenshot")
	require.Contains(t, url, "X-Amz-Expires=900")
	require.Contains(t, url, "X-Amz-Signature=")
}

const listBody = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>captures</Name>
  <Prefix>daily/</Prefix>
  <KeyCount>2</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>false</IsTruncated>
  <Contents>
    <Key>daily/a.example/abcde/1/html</Key>
    <LastModified>2024-05-10T02:00:00.000Z</LastModified>
    <ETag>"a"</ETag>
    <Size>13</Size>
    <StorageClass>INTELLIGENT_TIERING</StorageClass>
  </Contents>
  <Contents>
    <Key>daily/a.example/abcde/1/screenshot</Key>
    <LastModified>2024-05-10T02:00:01.000Z</LastModified>
    <ETag>"b"</ETag>
    <Size>2048</Size>
    <StorageClass>INTELLIGENT_TIERING</StorageClass>
  </Contents>
</ListBucketResult>`

func TestList(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "2", r.URL.Query().Get("list-type"))
		assert.Equal(t, "daily/", r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, listBody)
	}))

	objects, err := store.List(context.Background(), "daily/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	require.Equal(t, "daily/a.example/abcde/1/html", objects[0].Key)
	require.Equal(t, int64(2048), objects[1].Size)
	require.Equal(t, time.Date(2024, 5, 10, 2, 0, 1, 0, time.UTC), objects[1].LastModified.UTC())
}
