package api

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/naming"
	"github.com/starford/docscope/internal/scope"
	"github.com/starford/docscope/internal/storage"
)

const maxUploadBytes = 50 << 20 // 50 MB

// fileAt resolves the "path" query parameter to a plain file.
func (h *Handler) fileAt(w http.ResponseWriter, r *http.Request) (*scope.Scope, *item.FileItem, bool) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return nil, nil, false
	}
	rel := cleanRel(r.URL.Query().Get("path"))
	if rel == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return nil, nil, false
	}
	it, ok := s.LookupPath(rel)
	f, isFile := it.(*item.FileItem)
	if !ok || !isFile {
		writeJSON(w, http.StatusNotFound, errorBody("file not found"))
		return nil, nil, false
	}
	if f.IsDirectory() {
		writeJSON(w, http.StatusBadRequest, errorBody("packages cannot be streamed"))
		return nil, nil, false
	}
	return s, f, true
}

// Content handles GET /api/scopes/{id}/content?path=.
//
//	@Summary		Download a file's bytes, materializing remote content first
//	@Tags			content
//	@Produce		octet-stream
//	@Param			id		path	string	true	"Scope id"
//	@Param			path	query	string	true	"File path"
//	@Success		200		"File content"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/content [get]
func (h *Handler) Content(w http.ResponseWriter, r *http.Request) {
	s, f, ok := h.fileAt(w, r)
	if !ok {
		return
	}
	if !f.IsDownloaded() {
		if err := s.RequestDownload(r.Context(), f); err != nil {
			writeError(w, "download", err)
			return
		}
	}
	rc, err := s.Backend().Open(r.Context(), f.RelativePath())
	if err != nil {
		writeError(w, "open", err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// formFile reads the multipart "file" field.
func formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return nil, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return nil, nil, false
	}
	return file, header, true
}

func writeFrom(src io.Reader) func(ctx context.Context, b storage.Backend, rel string) (string, error) {
	return func(ctx context.Context, b storage.Backend, rel string) (string, error) {
		return "", b.Create(ctx, rel, src)
	}
}

// ReplaceContent handles PUT /api/scopes/{id}/content?path= (multipart/form-data, field "file").
//
//	@Summary		Replace a file's content and bump its modification date
//	@Tags			content
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			id		path		string	true	"Scope id"
//	@Param			path	query		string	true	"File path"
//	@Param			file	formData	file	true	"New content"
//	@Success		200		{object}	ItemDTO
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/content [put]
func (h *Handler) ReplaceContent(w http.ResponseWriter, r *http.Request) {
	s, f, ok := h.fileAt(w, r)
	if !ok {
		return
	}
	file, _, ok := formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	updated, err := s.UpdateFileItem(r.Context(), f, writeFrom(file))
	if err != nil {
		writeError(w, "replace content", err)
		return
	}
	writeJSON(w, http.StatusOK, itemDTO(updated))
}

// Upload handles POST /api/scopes/{id}/upload (multipart/form-data, fields "file" and "folder").
//
//	@Summary		Upload a new document under a free name
//	@Tags			content
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			id		path		string	true	"Scope id"
//	@Param			folder	formData	string	false	"Folder path; root when empty"
//	@Param			file	formData	file	true	"Document"
//	@Success		201		{object}	ItemDTO
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/upload [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return
	}
	file, header, ok := formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	folder, err := folderAt(s, r.FormValue("folder"))
	if err != nil {
		writeError(w, "upload", err)
		return
	}
	base, ext := naming.Split(item.BaseName(header.Filename))
	created, err := s.CreateDocument(r.Context(), folder, base, ext, writeFrom(file))
	if err != nil {
		writeError(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, itemDTO(created))
}
