package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/internal/tus"
)

// tusHeaders stamps the protocol headers every TUS response carries.
func (h *Handlers) tusHeaders(w http.ResponseWriter) {
	w.Header().Set("Tus-Resumable", tus.Version)
	w.Header().Set("Tus-Version", tus.Version)
	w.Header().Set("Tus-Max-Size", strconv.FormatInt(h.Uploads.MaxSize(), 10))
	w.Header().Set("Tus-Extension", "creation,termination")
}

// CreateUpload serves POST /tus/ (creation extension).
func (h *Handlers) CreateUpload(w http.ResponseWriter, r *http.Request) {
	h.tusHeaders(w)

	size, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || size < 0 {
		respondError(w, http.StatusUnprocessableEntity, "validation", "Upload-Length required")
		return
	}

	metadata := tus.ParseMetadata(r.Header.Get("Upload-Metadata"))

	var owner *uuid.UUID
	groupID := ""
	if ac := identity(r); ac != nil {
		id := ac.UserID
		owner = &id
		if len(ac.Groups) > 0 {
			groupID = ac.Groups[0]
		}
	}

	up, err := h.Uploads.Create(r.Context(), size, metadata, owner, groupID)
	if err != nil {
		if errors.Is(err, tus.ErrSizeExceeded) {
			respondError(w, http.StatusRequestEntityTooLarge, "validation", err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}

	w.Header().Set("Location", "/tus/"+up.UploadID)
	w.Header().Set("Upload-Offset", "0")
	w.WriteHeader(http.StatusCreated)
}

// HeadUpload serves HEAD /tus/{id} (offset retrieval).
func (h *Handlers) HeadUpload(w http.ResponseWriter, r *http.Request) {
	h.tusHeaders(w)

	up, err := h.Uploads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(up.Offset, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(up.Size, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// PatchUpload serves PATCH /tus/{id} (chunk append). An offset that
// disagrees with the server's returns 409 with the authoritative offset so
// clients can resume.
func (h *Handlers) PatchUpload(w http.ResponseWriter, r *http.Request) {
	h.tusHeaders(w)

	if ct := r.Header.Get("Content-Type"); ct != "application/offset+octet-stream" {
		respondError(w, http.StatusUnsupportedMediaType, "validation", "Content-Type must be application/offset+octet-stream")
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		respondError(w, http.StatusUnprocessableEntity, "validation", "Upload-Offset required")
		return
	}

	newOffset, err := h.Uploads.Patch(r.Context(), chi.URLParam(r, "id"), offset, r.Body)
	if err != nil {
		w.Header().Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
		switch {
		case errors.Is(err, tus.ErrOffsetMismatch):
			respondError(w, http.StatusConflict, "conflict", err.Error())
		case errors.Is(err, tus.ErrSizeExceeded):
			respondError(w, http.StatusRequestEntityTooLarge, "validation", err.Error())
		case errors.Is(err, tus.ErrTerminal):
			respondError(w, http.StatusConflict, "conflict", err.Error())
		default:
			respondStoreError(w, err)
		}
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteUpload serves DELETE /tus/{id} (termination extension).
func (h *Handlers) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	h.tusHeaders(w)

	if err := h.Uploads.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, tus.ErrTerminal) {
			respondError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetUploadStatus serves GET /tus/{id}/status, a JSON view of the upload
// record for dashboards.
func (h *Handlers) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	up, err := h.Uploads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, up)
}
