package crawler

import (
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

// ContentClass is the coarse class of a fetched resource.
type ContentClass string

// Content classes derived from the response media type.
const (
	ContentHTML    ContentClass = "HTML"
	ContentBinary  ContentClass = "BINARY"
	ContentImage   ContentClass = "IMAGE"
	ContentVideo   ContentClass = "VIDEO"
	ContentUnknown ContentClass = "UNKNOWN"
)

var imageSuffixes = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".bmp": {}, ".ico": {},
}

var documentTypes = map[string]store.DataType{
	".pdf":  store.DataPDF,
	".doc":  store.DataDOC,
	".docx": store.DataDOCX,
	".ppt":  store.DataPPT,
	".pptx": store.DataPPTX,
}

var mediaDataTypes = map[string]store.DataType{
	"application/pdf":    store.DataPDF,
	"application/msword": store.DataDOC,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   store.DataDOCX,
	"application/vnd.ms-powerpoint":                                             store.DataPPT,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": store.DataPPTX,
}

// ClassifyContent maps the declared content type to a class. URL suffixes for PDFs
// and images take precedence over the header.
func ClassifyContent(rawURL, contentType string) ContentClass {
	ext := urlExt(rawURL)
	if ext == ".pdf" {
		return ContentBinary
	}
	if _, ok := imageSuffixes[ext]; ok {
		return ContentImage
	}
	media := mediaType(contentType)
	switch {
	case media == "text/html" || media == "application/xhtml+xml":
		return ContentHTML
	case strings.HasPrefix(media, "image/"):
		return ContentImage
	case strings.HasPrefix(media, "video/"):
		return ContentVideo
	case media == "":
		return ContentUnknown
	case strings.HasPrefix(media, "application/"):
		return ContentBinary
	default:
		return ContentUnknown
	}
}

// DataTypeFor picks the page_data type code for a non-HTML resource.
func DataTypeFor(rawURL, contentType string) store.DataType {
	if dt, ok := documentTypes[urlExt(rawURL)]; ok {
		return dt
	}
	media := mediaType(contentType)
	if dt, ok := mediaDataTypes[media]; ok {
		return dt
	}
	switch {
	case strings.HasPrefix(media, "image/"):
		return store.DataImage
	case strings.HasPrefix(media, "video/"):
		return store.DataVideo
	}
	if _, ok := imageSuffixes[urlExt(rawURL)]; ok {
		return store.DataImage
	}
	return store.DataOther
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return media
}

func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}
