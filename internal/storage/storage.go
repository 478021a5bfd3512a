// Package storage provides the object store holding sources, clips and
// transient audio extracts, plus expiring read handles on its objects.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/reelcut/internal/common"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Handle is a time-limited grant to read one object.
type Handle struct {
	Key       string
	URL       string    // signed URL served by the gateway
	LocalPath string    // filesystem path when the store is local, empty otherwise
	ExpiresAt time.Time // URL is rejected after this instant
}

// Location returns the most direct address usable by in-process tools.
func (h Handle) Location() string {
	if h.LocalPath != "" {
		return h.LocalPath
	}
	return h.URL
}

// Store persists objects by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	ReadHandle(ctx context.Context, key string, ttl time.Duration) (Handle, error)
}

// CleanKey validates a caller supplied key and returns its canonical form.
func CleanKey(key string) (string, error) {
	k := strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	k = strings.TrimPrefix(k, "/")
	if k == "" {
		return "", errors.New("empty storage key")
	}
	for _, part := range strings.Split(k, "/") {
		if part == ".." {
			return "", fmt.Errorf("storage key %q escapes the store", key)
		}
	}
	return path.Clean(k), nil
}

// ContentTypeFor guesses a MIME type from the key extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".mp4":
		return common.ContentTypeMP4
	case ".mp3":
		return common.ContentTypeMP3
	case ".jpg", ".jpeg":
		return common.ContentTypeJPEG
	case ".txt":
		return common.ContentTypeText
	}
	if mt := mime.TypeByExtension(filepath.Ext(key)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// ClipKey is the key of the idx-th rendered clip of a job.
func ClipKey(projectID, jobID string, idx int) string {
	return path.Join(common.ProjectsPrefix, projectID, common.ClipsDirName, jobID, fmt.Sprintf("%03d.mp4", idx))
}

// ThumbnailKey is the thumbnail key paired with a clip key.
func ThumbnailKey(clipKey string) string {
	return strings.TrimSuffix(clipKey, path.Ext(clipKey)) + ".jpg"
}

// CombinedKey is the key of a job's concatenated output.
func CombinedKey(projectID, jobID string) string {
	return path.Join(common.ProjectsPrefix, projectID, common.ClipsDirName, jobID, common.CombinedFileName)
}

// TranscriptKey is the key of a job's transcript.
func TranscriptKey(projectID, jobID string) string {
	return path.Join(common.ProjectsPrefix, projectID, common.TranscriptsDir, jobID+".txt")
}

// TempAudioKey is the key of a job's transient audio extract.
func TempAudioKey(jobID string) string {
	return path.Join(common.TempAudioPrefix, jobID+".mp3")
}
