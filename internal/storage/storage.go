// Package storage talks to the object store holding microscopy images. The
// database only keeps the object path; bytes go through an ObjectStore.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrInvalidPath    = errors.New("invalid storage path")
)

// ObjectStore is implemented by every storage backend.
type ObjectStore interface {
	// Upload stores data at path and fails with ErrObjectExists if the path is taken.
	Upload(ctx context.Context, path, contentType string, data []byte) error
	// Download returns the object bytes and content type.
	Download(ctx context.Context, path string) ([]byte, string, error)
	// Remove deletes the given objects. Missing objects are not an error.
	Remove(ctx context.Context, paths ...string) error
	// SignedURL returns a URL granting read access to path for ttl.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// ExpiringSigner is implemented by stores that may hand out a URL signed
// earlier and can tell when it expires.
type ExpiringSigner interface {
	SignedURLExpiry(ctx context.Context, path string, ttl time.Duration) (string, time.Time, error)
}

// SignURL signs path for ttl and returns the URL with its expiry.
func SignURL(ctx context.Context, store ObjectStore, path string, ttl time.Duration) (string, time.Time, error) {
	if s, ok := store.(ExpiringSigner); ok {
		return s.SignedURLExpiry(ctx, path, ttl)
	}
	expires := time.Now().Add(ttl)
	u, err := store.SignedURL(ctx, path, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return u, expires, nil
}

const defaultExt = ".jpg"

// BuildPath lays out an object path as {doctor}/{visit}/{YYYYMMDD_HHMMSS}_{hex8}{ext}.
func BuildPath(doctorID, visitID, filename string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !validExt(ext) {
		ext = defaultExt
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s/%s/%s_%s%s", doctorID, visitID, now.UTC().Format("20060102_150405"), suffix, ext)
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ParsePath splits a path produced by BuildPath. The name may itself contain
// slashes, but no segment may be empty, "." or "..", so the first segment is
// always the folder the object actually lives in.
func ParsePath(path string) (doctorID, visitID, name string, err error) {
	segments := strings.Split(path, "/")
	if len(segments) < 3 {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsRune(seg, '\\') {
			return "", "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segments[0], segments[1], strings.Join(segments[2:], "/"), nil
}

// StripBucket removes a leading slash and bucket segment so paths copied from
// the object store console resolve the same as stored ones.
func StripBucket(path, bucket string) string {
	path = strings.TrimPrefix(path, "/")
	if bucket != "" {
		path = strings.TrimPrefix(path, bucket+"/")
	}
	return path
}
