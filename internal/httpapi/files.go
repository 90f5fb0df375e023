package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"muwise.app/internal/objectstore"
)

// handleFile serves documents kept by the in-memory object store. Deployments
// with MinIO hand out bucket URLs instead.
func (a *API) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	obj, err := a.deps.Files.Get(key)
	if errors.Is(err, objectstore.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		internalError(w, r, "file", err)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}
