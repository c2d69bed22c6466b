package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/scope"
	"github.com/starford/docscope/internal/sse"
	"github.com/starford/docscope/internal/storage"
)

// Handler holds API route handlers.
type Handler struct {
	reg    *scope.Registry
	broker *sse.Broker
}

// NewHandler creates a new Handler. broker may be nil.
func NewHandler(reg *scope.Registry, broker *sse.Broker) *Handler {
	return &Handler{reg: reg, broker: broker}
}

// statusFunc streams per-file outcomes of a batch to SSE clients.
func (h *Handler) statusFunc(s *scope.Scope) scope.StatusFunc {
	if h.broker == nil {
		return nil
	}
	return func(st scope.Status) {
		data := map[string]string{"scope": s.Identifier(), "source": st.Source.RelativePath()}
		if st.Destination != nil {
			data["destination"] = st.Destination.RelativePath()
		}
		if st.Err != nil {
			data["error"] = st.Err.Error()
		}
		h.broker.Publish(sse.Event{Type: sse.TypeMotionStatus, Data: data})
	}
}

// ListScopes handles GET /api/scopes.
//
//	@Summary		List scopes in presentation order
//	@Tags			scopes
//	@Produce		json
//	@Success		200	{array}	ScopeDTO
//	@Security		BearerAuth
//	@Router			/scopes [get]
func (h *Handler) ListScopes(w http.ResponseWriter, r *http.Request) {
	scopes := h.reg.Scopes()
	out := make([]ScopeDTO, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, scopeDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListItems handles GET /api/scopes/{id}/items.
//
//	@Summary		List the children of a folder, or every file with recursive=true
//	@Tags			items
//	@Produce		json
//	@Param			id			path		string	true	"Scope id"
//	@Param			folder		query		string	false	"Folder path; root when empty"
//	@Param			recursive	query		bool	false	"List every file of the scope"
//	@Success		200			{array}		ItemDTO
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/items [get]
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if q.Get("recursive") == "true" {
		files := s.FileItems()
		items := make([]item.Item, 0, len(files))
		for _, f := range files {
			items = append(items, f)
		}
		writeJSON(w, http.StatusOK, itemDTOs(items))
		return
	}
	folder, err := folderAt(s, q.Get("folder"))
	if err != nil {
		writeError(w, "list items", err)
		return
	}
	if folder == nil {
		folder = s.RootFolder()
	}
	writeJSON(w, http.StatusOK, itemDTOs(s.Children(folder)))
}

// CreateDocument handles POST /api/scopes/{id}/documents.
//
//	@Summary		Create a document under a free name
//	@Tags			items
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string					true	"Scope id"
//	@Param			body	body		CreateDocumentRequest	true	"Document to create"
//	@Success		201		{object}	ItemDTO
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/documents [post]
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return
	}
	var req CreateDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	folder, err := folderAt(s, req.Folder)
	if err != nil {
		writeError(w, "create document", err)
		return
	}
	f, err := s.CreateDocument(r.Context(), folder, req.Name, req.Type,
		func(ctx context.Context, b storage.Backend, rel string) (string, error) {
			return "", b.Create(ctx, rel, strings.NewReader(req.Content))
		})
	if err != nil {
		writeError(w, "create document", err)
		return
	}
	writeJSON(w, http.StatusCreated, itemDTO(f))
}

// ImportDocument handles POST /api/scopes/{id}/import.
//
//	@Summary		Import a file or package from the server's file system
//	@Tags			items
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Scope id"
//	@Param			body	body		ImportRequest	true	"Import source"
//	@Success		201		{object}	ItemDTO
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/import [post]
func (h *Handler) ImportDocument(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return
	}
	var req ImportRequest
	if !decode(w, r, &req) {
		return
	}
	folder, err := folderAt(s, req.Folder)
	if err != nil {
		writeError(w, "import document", err)
		return
	}
	f, err := s.AddDocument(r.Context(), folder, req.Name, req.FromPath, req.addOption())
	if err != nil {
		writeError(w, "import document", err)
		return
	}
	writeJSON(w, http.StatusCreated, itemDTO(f))
}

// CopyItems handles POST /api/scopes/{id}/copy.
//
//	@Summary		Copy items into a folder, disambiguating taken names
//	@Tags			motion
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Scope id"
//	@Param			body	body		ItemsRequest	true	"Items and destination"
//	@Success		200		{object}	BatchResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/copy [post]
func (h *Handler) CopyItems(w http.ResponseWriter, r *http.Request) {
	h.itemsBatch(w, r, "copy", func(ctx context.Context, s *scope.Scope, items []item.Item, folder *item.FolderItem) scope.Result {
		return s.CopyItems(ctx, items, folder, h.statusFunc(s))
	})
}

// MoveItems handles POST /api/scopes/{id}/move.
//
//	@Summary		Move items into a folder of the same scope
//	@Tags			motion
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Scope id"
//	@Param			body	body		ItemsRequest	true	"Items and destination"
//	@Success		200		{object}	BatchResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/move [post]
func (h *Handler) MoveItems(w http.ResponseWriter, r *http.Request) {
	h.itemsBatch(w, r, "move", func(ctx context.Context, s *scope.Scope, items []item.Item, folder *item.FolderItem) scope.Result {
		return s.MoveItemsWithStatus(ctx, items, folder, h.statusFunc(s))
	})
}

// DeleteItems handles POST /api/scopes/{id}/delete.
//
//	@Summary		Delete items
//	@Tags			motion
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Scope id"
//	@Param			body	body		ItemsRequest	true	"Items to delete"
//	@Success		200		{object}	BatchResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/delete [post]
func (h *Handler) DeleteItems(w http.ResponseWriter, r *http.Request) {
	h.itemsBatch(w, r, "delete", func(ctx context.Context, s *scope.Scope, items []item.Item, _ *item.FolderItem) scope.Result {
		return s.DeleteItems(ctx, items)
	})
}

type batchFunc func(ctx context.Context, s *scope.Scope, items []item.Item, folder *item.FolderItem) scope.Result

func (h *Handler) itemsBatch(w http.ResponseWriter, r *http.Request, op string, fn batchFunc) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return
	}
	var req ItemsRequest
	if !decode(w, r, &req) {
		return
	}
	folder, err := folderAt(s, req.Folder)
	if err != nil {
		writeError(w, op, err)
		return
	}
	items, missing := itemsAt(s, req.Paths)
	var res scope.Result
	if len(items) > 0 {
		res = fn(r.Context(), s, items, folder)
	}
	slog.Debug("api: batch", slog.String("op", op), slog.String("scope", s.Identifier()),
		slog.Int("succeeded", len(res.Items)), slog.Int("failed", len(res.Errors)+len(missing)))
	writeJSON(w, http.StatusOK, batchResponse(res, missing))
}

// TakeItems handles POST /api/scopes/{id}/take.
//
//	@Summary		Move items from another scope into this one
//	@Tags			motion
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Destination scope id"
//	@Param			body	body		TakeRequest	true	"Source scope, items and destination"
//	@Success		200		{object}	BatchResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/take [post]
func (h *Handler) TakeItems(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return
	}
	var req TakeRequest
	if !decode(w, r, &req) {
		return
	}
	source, ok := h.reg.Get(req.Source)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("source scope not found"))
		return
	}
	folder, err := folderAt(s, req.Folder)
	if err != nil {
		writeError(w, "take items", err)
		return
	}
	items, missing := itemsAt(source, req.Paths)
	var res scope.Result
	if len(items) > 0 {
		res = s.TakeItemsWithStatus(r.Context(), source, items, folder, filesAt(source, req.Ignored), h.statusFunc(s))
	}
	writeJSON(w, http.StatusOK, batchResponse(res, missing))
}

// Rename handles POST /api/scopes/{id}/rename.
//
//	@Summary		Rename a file or folder
//	@Tags			motion
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Scope id"
//	@Param			body	body		RenameRequest	true	"Item and new name"
//	@Success		200		{object}	BatchResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/rename [post]
func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return
	}
	var req RenameRequest
	if !decode(w, r, &req) {
		return
	}
	items, missing := itemsAt(s, []string{req.Path})
	if len(missing) > 0 {
		writeError(w, "rename", missing[0])
		return
	}
	switch it := items[0].(type) {
	case *item.FileItem:
		f, err := s.RenameFileItem(r.Context(), it, req.Name, req.Type)
		if err != nil {
			writeError(w, "rename", err)
			return
		}
		writeJSON(w, http.StatusOK, batchResponse(scope.Result{Items: []item.Item{f}}, nil))
	case *item.FolderItem:
		writeJSON(w, http.StatusOK, batchResponse(s.RenameFolderItem(r.Context(), it, req.Name), nil))
	}
}

// MakeFolder handles POST /api/scopes/{id}/folders.
//
//	@Summary		Create a folder and move items into it
//	@Tags			motion
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Scope id"
//	@Param			body	body		FolderRequest	true	"Parent, name and items"
//	@Success		201		{object}	FolderResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/folders [post]
func (h *Handler) MakeFolder(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return
	}
	var req FolderRequest
	if !decode(w, r, &req) {
		return
	}
	parent, err := folderAt(s, req.Parent)
	if err != nil {
		writeError(w, "make folder", err)
		return
	}
	items, missing := itemsAt(s, req.Paths)
	folder, res := s.MakeFolderFromItems(r.Context(), items, parent, req.Name)
	resp := FolderResponse{BatchResponse: batchResponse(res, missing)}
	if folder == nil {
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	d := itemDTO(folder)
	resp.Folder = &d
	writeJSON(w, http.StatusCreated, resp)
}

// Rescan handles POST /api/scopes/{id}/rescan.
//
//	@Summary		Enumerate storage again and reconcile the tree
//	@Tags			scopes
//	@Produce		json
//	@Param			id	path		string	true	"Scope id"
//	@Success		200	{object}	ScopeDTO
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scopes/{id}/rescan [post]
func (h *Handler) Rescan(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scopeFor(w, r)
	if !ok {
		return
	}
	if err := s.Rescan(r.Context()); err != nil {
		writeError(w, "rescan", err)
		return
	}
	if h.broker != nil {
		h.broker.Publish(sse.Event{Type: sse.TypeScanFinished, Data: map[string]string{"scope": s.Identifier()}})
	}
	writeJSON(w, http.StatusOK, scopeDTO(s))
}

// Trash handles POST /api/trash.
//
//	@Summary		Move the item at a location into the trash scope
//	@Tags			motion
//	@Accept			json
//	@Produce		json
//	@Param			body	body		TrashRequest	true	"Item location"
//	@Success		200		{object}	TrashResponse
//	@Failure		404		{object}	errResponse
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/trash [post]
func (h *Handler) Trash(w http.ResponseWriter, r *http.Request) {
	var req TrashRequest
	if !decode(w, r, &req) {
		return
	}
	url, err := h.reg.TrashItemAtURL(r.Context(), req.URL)
	if err != nil {
		writeError(w, "trash", err)
		return
	}
	writeJSON(w, http.StatusOK, TrashResponse{URL: url})
}
