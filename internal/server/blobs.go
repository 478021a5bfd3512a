package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/storage"
)

// handleGetBlob serves a stored object to holders of a valid, unexpired
// read handle.
func (svc *Service) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	key, err := storage.CleanKey(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}
	q := r.URL.Query()
	if err := svc.Signer.Verify(key, q.Get("expires"), q.Get("sig"), time.Now()); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	f, err := svc.Blobs.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		svc.Log.Error("open blob", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", storage.ContentTypeFor(key))
	w.Header().Set(common.HeaderCacheControl, "private, no-store")
	_, _ = io.Copy(w, f)
}
