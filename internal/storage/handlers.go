package storage

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// JobResolver maps the request's download to the job whose files it wrote.
type JobResolver func(r *http.Request) (jobID string, ok bool)

type Handlers struct {
	store   *Store
	resolve JobResolver
}

func NewHandlers(store *Store, resolve JobResolver) *Handlers {
	return &Handlers{store: store, resolve: resolve}
}

type ListResponse struct {
	Directory string     `json:"directory"`
	Files     []FileInfo `json:"files"`
	Count     int        `json:"count"`
}

func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.resolve(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "download not found"})
		return
	}

	files, err := h.store.List(jobID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{
		Directory: h.store.JobDir(jobID),
		Files:     files,
		Count:     len(files),
	})
}

func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.resolve(r)
	name := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if !ok || name == "" {
		http.NotFound(w, r)
		return
	}

	f, err := h.store.Open(jobID, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
