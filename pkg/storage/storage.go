// Package storage stores uploaded reports and images in object storage and
// hands out time-limited download links for them.
package storage

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Bucket      string
	Key         string
	ContentType string
	Size        int64
}

// Store is object storage for uploads.
type Store interface {
	Put(ctx context.Context, key, contentType string, body []byte) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ObjectKey builds the key for an upload: "<unix-millis>-<name>".
// Directory components of name are discarded.
func ObjectKey(name string, now time.Time) string {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || base == "" {
		base = "upload"
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + base
}

// NameFromKey recovers the original file name from a key built by ObjectKey.
// Keys without the timestamp prefix are returned unchanged.
func NameFromKey(key string) string {
	base := path.Base(key)
	prefix, name, ok := strings.Cut(base, "-")
	if !ok || name == "" {
		return base
	}
	if _, err := strconv.ParseInt(prefix, 10, 64); err != nil {
		return base
	}
	return name
}
