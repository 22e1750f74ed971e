package ingest

import (
	"errors"
	"mime"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for uploads that are neither text nor Parquet
var ErrUnsupportedFormat = errors.New("only CSV, TXT and Parquet files are allowed")

var acceptedExtensions = map[string]struct{}{
	".csv": {}, ".txt": {}, ".parquet": {},
}

// AcceptUpload checks the declared name and MIME type of an upload before it is read
func AcceptUpload(filename, contentType string) error {
	if _, ok := acceptedExtensions[strings.ToLower(filepath.Ext(filename))]; ok {
		return nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ErrUnsupportedFormat
	}
	if strings.HasPrefix(mediaType, "text/") || mediaType == "application/vnd.ms-excel" {
		return nil
	}
	return ErrUnsupportedFormat
}
