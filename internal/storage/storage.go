// Package storage defines where finished CSV exports are retained. Backends
// live in the memory, local, and gcs subpackages.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// Object is one artifact to retain.
type Object struct {
	ContentType        string
	ContentDisposition string
	Metadata           map[string]string
	Body               io.Reader
}

// BlobStore persists objects under a key and returns a URI for them.
type BlobStore interface {
	PutObject(ctx context.Context, key string, obj Object) (string, error)
}

// ObjectKey builds the retention key for an export: the prefix, the UTC
// date of the export, then the session id and the download filename.
func ObjectKey(prefix, sessionID, filename string, at time.Time) string {
	day := at.UTC().Format("2006/01/02")
	name := sessionID + "-" + filename
	return path.Join(strings.Trim(prefix, "/"), day, name)
}
