package gcs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const bucketName = "captures"

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	cfg.Bucket = bucketName
	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: bucketName})
	require.Error(t, err)
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "bucket exists", status: http.StatusOK},
		{name: "bucket missing", status: http.StatusNotFound, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			httpClient := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				assert.Contains(t, r.URL.Path, "/b/"+bucketName)
				return &http.Response{
					StatusCode: tt.status,
					Body:       io.NopCloser(strings.NewReader(`{}`)),
					Header:     make(http.Header),
					Request:    r,
				}, nil
			})}
			store, err := Open(context.Background(), Config{Bucket: bucketName},
				option.WithoutAuthentication(), option.WithHTTPClient(httpClient))
			if tt.wantErr {
				require.ErrorContains(t, err, "get gcs bucket")
				return
			}
			require.NoError(t, err)
			require.NoError(t, store.Close())
		})
	}
}

func TestPutObjectUploadsMetadata(t *testing.T) {
	t.Parallel()

	key := "daily/shop.example/abcde/1715306400000/html"
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html></html>")
		assert.Contains(t, string(body), `"hashedUrl":"abcde"`)
		fmt.Fprintf(w, `{"name":%q,"bucket":%q}`, key, bucketName)
	}), Config{})

	uri, err := store.PutObject(context.Background(), key, "text/html",
		strings.NewReader("<html></html>"), map[string]string{"hashedUrl": "abcde"})
	require.NoError(t, err)
	require.Equal(t, "gs://captures/"+key, uri)
}

func TestPutObjectError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}), Config{})
	_, err := store.PutObject(context.Background(), "k", "text/plain", strings.NewReader("x"), nil)
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), " ", "text/plain", strings.NewReader("x"), nil)
	require.Error(t, err)
}

func TestList(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/"+bucketName+"/o")
		assert.Equal(t, "daily/", r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"kind":"storage#objects","items":[
			{"name":"daily/a.example/abcde/1/html","bucket":"captures","size":"13","updated":"2024-05-10T02:00:00Z"},
			{"name":"daily/a.example/abcde/1/screenshot","bucket":"captures","size":"2048","updated":"2024-05-10T02:00:01Z"}
		]}`)
	}), Config{})

	objects, err := store.List(context.Background(), "daily/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	require.Equal(t, "daily/a.example/abcde/1/html", objects[0].Key)
	require.Equal(t, int64(2048), objects[1].Size)
}

func TestPresignGetWithSigner(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	store := newTestStore(t, http.NotFoundHandler(), Config{
		SignerEmail: "tracker@project.iam.gserviceaccount.com",
		PrivateKey:  pemKey,
	})
	url, err := store.PresignGet(context.Background(), "daily/a.example/abcde/1/html", 15*time.Minute)
	require.NoError(t, err)
	require.Contains(t, url, "daily/a.example/abcde/1/html")
	require.Contains(t, url, "X-Goog-Expires=900")
	require.Contains(t, url, "X-Goog-Signature=")
}
