// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/link-tracker/internal/storage/local"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "captures")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesBodyAndSidecar", func(t *testing.T) {
		key := "daily/shop.example/abcde/1715306400000/html"
		data := []byte("<html></html>")
		meta := map[string]string{"hashedUrl": "abcde", "timezone": "UTC"}

		uri, err := store.PutObject(ctx, key, "text/html", bytes.NewReader(data), meta)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, key), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, key))
		require.NoError(t, err)
		assert.Equal(t, data, readData)

		contentType, gotMeta, err := store.Metadata(key)
		require.NoError(t, err)
		assert.Equal(t, "text/html", contentType)
		assert.Equal(t, meta, gotMeta)
	})

	t.Run("EmptyKey", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/plain", bytes.NewReader([]byte("data")), nil)
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape", "text/plain", bytes.NewReader([]byte("data")), nil)
		assert.ErrorContains(t, err, "path traversal")
	})
}

func TestPresignGet(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.PresignGet(ctx, "daily/missing", time.Minute)
	require.ErrorIs(t, err, tracker.ErrObjectNotFound)

	_, err = store.PutObject(ctx, "daily/a/screenshot", "image/png", bytes.NewReader([]byte("png")), nil)
	require.NoError(t, err)
	url, err := store.PresignGet(ctx, "daily/a/screenshot", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.Contains(t, url, "daily/a/screenshot?expires=")
}

func TestList(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	for _, key := range []string{
		"daily/b.example/h2/1/html",
		"daily/a.example/h1/1/html",
		"daily/a.example/h1/1/screenshot",
		"weekly/a.example/h3/1/html",
	} {
		_, err := store.PutObject(ctx, key, "text/plain", bytes.NewReader([]byte(key)), map[string]string{"k": "v"})
		require.NoError(t, err)
	}

	objects, err := store.List(ctx, "daily/a.example/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "daily/a.example/h1/1/html", objects[0].Key)
	assert.Equal(t, int64(len("daily/a.example/h1/1/html")), objects[0].Size)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
