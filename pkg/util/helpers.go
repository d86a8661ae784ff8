package util

import (
	"fmt"
	"path/filepath"
	"strings"
)

// extensionMediaTypes maps file extensions to the media type uploads are stored with.
var extensionMediaTypes = map[string]string{
	"jpg":      "image/jpeg",
	"jpeg":     "image/jpeg",
	"png":      "image/png",
	"gif":      "image/gif",
	"mp4":      "video/mp4",
	"mov":      "video/quicktime",
	"m4v":      "video/x-m4v",
	"mp3":      "audio/mpeg",
	"wav":      "audio/wav",
	"ogg":      "audio/ogg",
	"pdf":      "application/pdf",
	"txt":      "text/plain",
	"html":     "text/html",
	"md":       "text/markdown",
	"markdown": "text/markdown",
}

// MediaTypeByExtension returns the media type for the extension of filename.
// Only the part after the last dot of the base name counts, so
// "archive.tar.gz" has the extension "gz", and "./notes.md" has "md".
func MediaTypeByExtension(filename string) (string, error) {
	ext := strings.TrimPrefix(filepath.Ext(filepath.Base(filename)), ".")
	if ext == "" {
		return "", fmt.Errorf("%s has no file extension", filename)
	}

	mediaType, ok := extensionMediaTypes[strings.ToLower(ext)]
	if !ok {
		return "", fmt.Errorf("unknown file extension: %s", ext)
	}
	return mediaType, nil
}
