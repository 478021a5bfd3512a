package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DeleteLater removes key after delay regardless of what happens to the job
// that created it. Failures are logged only. The returned timer may be
// stopped to cancel the deletion.
func DeleteLater(s Store, key string, delay time.Duration, log *slog.Logger) *time.Timer {
	return time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Delete(ctx, key); err != nil {
			log.Warn("scheduled delete failed", "key", key, "err", err)
			return
		}
		log.Debug("scheduled delete done", "key", key)
	})
}

// PutFile uploads the file at path to key.
func PutFile(ctx context.Context, s Store, key, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return s.Put(ctx, key, f)
}
