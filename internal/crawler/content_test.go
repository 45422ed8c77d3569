package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

func TestClassifyContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		url         string
		contentType string
		want        ContentClass
	}{
		{"html with charset", "https://x.com/a", "text/html; charset=utf-8", ContentHTML},
		{"pdf header", "https://x.com/a", "application/pdf", ContentBinary},
		{"pdf suffix overrides html", "https://x.com/doc.PDF", "text/html", ContentBinary},
		{"image suffix overrides html", "https://x.com/logo.png", "text/html", ContentImage},
		{"image header", "https://x.com/a", "image/webp", ContentImage},
		{"video header", "https://x.com/a", "video/mp4", ContentVideo},
		{"missing header", "https://x.com/a", "", ContentUnknown},
		{"plain text", "https://x.com/a", "text/plain", ContentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ClassifyContent(tt.url, tt.contentType))
		})
	}
}

func TestDataTypeFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, store.DataPDF, DataTypeFor("https://x.com/a.pdf", ""))
	require.Equal(t, store.DataDOCX, DataTypeFor("https://x.com/a.docx", "application/octet-stream"))
	require.Equal(t, store.DataPPT, DataTypeFor("https://x.com/a", "application/vnd.ms-powerpoint"))
	require.Equal(t, store.DataImage, DataTypeFor("https://x.com/a", "image/png"))
	require.Equal(t, store.DataImage, DataTypeFor("https://x.com/a.jpg", ""))
	require.Equal(t, store.DataVideo, DataTypeFor("https://x.com/a", "video/webm"))
	require.Equal(t, store.DataOther, DataTypeFor("https://x.com/a", "application/zip"))
}
