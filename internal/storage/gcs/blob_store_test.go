package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{Bucket: "  "})
	require.Error(t, err)

	s, err := New(&storage.Client{}, Config{Bucket: "crawl", Prefix: "/payloads/"})
	require.NoError(t, err)
	require.Equal(t, "payloads", s.prefix)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	withPrefix := &BlobStore{prefix: "payloads"}
	require.Equal(t, "payloads/pages/7/a.pdf", withPrefix.objectName("/pages/7/a.pdf"))

	bare := &BlobStore{}
	require.Equal(t, "pages/7/a.pdf", bare.objectName("pages/7/a.pdf"))
}
