// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes docscope tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/docscope/internal/apperr"
	"github.com/starford/docscope/internal/item"
	"github.com/starford/docscope/internal/scope"
)

// Server wraps the MCP server with docscope tools.
type Server struct {
	mcp *server.MCPServer
	reg *scope.Registry
}

// New creates a new MCP server with all docscope tools registered.
func New(reg *scope.Registry) *Server {
	s := &Server{reg: reg}

	s.mcp = server.NewMCPServer(
		"docscope",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_scopes",
		mcp.WithDescription("List every document scope in presentation order."),
	), s.listScopes)

	s.mcp.AddTool(mcp.NewTool("list_items",
		mcp.WithDescription("List the files and folders directly inside a folder of a scope."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("Scope id")),
		mcp.WithString("folder", mcp.Description("Folder path (empty for the root)")),
	), s.listItems)

	s.mcp.AddTool(mcp.NewTool("move_items",
		mcp.WithDescription("Move items into a folder of the same scope. Names are kept; "+
			"an item whose name is taken in the destination fails on its own."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("Scope id")),
		mcp.WithArray("paths", mcp.Required(), mcp.Description("Paths of the items to move"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("folder", mcp.Description("Destination folder path (empty for the root)")),
	), s.moveItems)

	s.mcp.AddTool(mcp.NewTool("copy_items",
		mcp.WithDescription("Copy items into a folder of the same scope, renaming copies whose name is taken."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("Scope id")),
		mcp.WithArray("paths", mcp.Required(), mcp.Description("Paths of the items to copy"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("folder", mcp.Description("Destination folder path (empty for the root)")),
	), s.copyItems)

	s.mcp.AddTool(mcp.NewTool("rename_item",
		mcp.WithDescription("Rename a file or folder in place."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("Scope id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the item")),
		mcp.WithString("name", mcp.Required(), mcp.Description("New base name, without extension for files")),
		mcp.WithString("type", mcp.Description("New extension for files (empty keeps the current one)")),
	), s.renameItem)

	s.mcp.AddTool(mcp.NewTool("make_folder",
		mcp.WithDescription("Create a folder and move the given items into it."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("Scope id")),
		mcp.WithString("parent", mcp.Description("Parent folder path (empty for the root)")),
		mcp.WithString("name", mcp.Description("Folder name (default \"New Folder\")")),
		mcp.WithArray("paths", mcp.Description("Paths of the items to move into the folder"),
			mcp.Items(map[string]any{"type": "string"})),
	), s.makeFolder)

	s.mcp.AddTool(mcp.NewTool("trash_item",
		mcp.WithDescription("Move an item into the trash scope. Returns its new location."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Full location of the item (scope url + \"/\" + path)")),
	), s.trashItem)

	s.mcp.AddTool(mcp.NewTool("delete_items",
		mcp.WithDescription("Permanently delete items. Prefer trash_item unless asked otherwise."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("Scope id")),
		mcp.WithArray("paths", mcp.Required(), mcp.Description("Paths of the items to delete"),
			mcp.Items(map[string]any{"type": "string"})),
	), s.deleteItems)

	s.mcp.AddTool(mcp.NewTool("fetch_document",
		mcp.WithDescription("Download a document from an http(s) or base64 data URL into a scope. "+
			"The name is disambiguated when taken."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("Scope id")),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data URI")),
		mcp.WithString("folder", mcp.Description("Destination folder path (empty for the root)")),
		mcp.WithString("filename", mcp.Description("File name (default: derived from the URL)")),
	), s.fetchDocument)

	s.mcp.AddTool(mcp.NewTool("get_scope_guide",
		mcp.WithDescription("Returns how scopes, names and batch results behave. "+
			"Call this before moving or deleting items."),
	), s.getScopeGuide)

	// Resource: scope guide.
	s.mcp.AddResource(
		mcp.NewResource("docscope://guide", "Scope Guide",
			mcp.WithResourceDescription("How scopes, names and batch results behave."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readGuideResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type scopeOut struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	URL     string `json:"url"`
	Trash   bool   `json:"trash,omitempty"`
	Tmpl    bool   `json:"template,omitempty"`
	Scanned bool   `json:"scanned"`
}

type itemOut struct {
	Path    string `json:"path"`
	URL     string `json:"url"`
	Folder  bool   `json:"folder,omitempty"`
	Package bool   `json:"package,omitempty"`
}

type errorOut struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type batchOut struct {
	Folder *itemOut   `json:"folder,omitempty"`
	Items  []itemOut  `json:"items"`
	Errors []errorOut `json:"errors"`
}

func toItem(it item.Item) itemOut {
	out := itemOut{Path: it.RelativePath(), URL: it.URL(), Folder: it.IsFolder()}
	if f, ok := it.(*item.FileItem); ok {
		out.Package = f.IsDirectory()
	}
	return out
}

func toBatch(res scope.Result, extra []error) batchOut {
	out := batchOut{Items: []itemOut{}, Errors: []errorOut{}}
	for _, it := range res.Items {
		out.Items = append(out.Items, toItem(it))
	}
	for _, err := range append(extra, res.Errors...) {
		e := errorOut{Error: err.Error()}
		var ie *apperr.ItemError
		if errors.As(err, &ie) {
			e.Path, e.Error = ie.Path, ie.Err.Error()
		}
		out.Errors = append(out.Errors, e)
	}
	return out
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func optionalString(req mcp.CallToolRequest, key string) string {
	if v, err := req.RequireString(key); err == nil {
		return v
	}
	return ""
}

// stringList reads an array argument of strings.
func stringList(req mcp.CallToolRequest, key string) []string {
	raw, _ := req.GetArguments()[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (s *Server) scopeArg(req mcp.CallToolRequest) (*scope.Scope, error) {
	id, err := req.RequireString("scope")
	if err != nil {
		return nil, err
	}
	sc, ok := s.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("scope not found: %s", id)
	}
	return sc, nil
}

func folderArg(sc *scope.Scope, rel string) (*item.FolderItem, error) {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return nil, nil
	}
	f := sc.Folder(rel)
	if f == nil {
		return nil, fmt.Errorf("folder not found: %s", rel)
	}
	return f, nil
}

func itemsArg(sc *scope.Scope, paths []string) ([]item.Item, []error) {
	var (
		items []item.Item
		errs  []error
	)
	for _, p := range paths {
		rel := strings.Trim(p, "/")
		it, ok := sc.LookupPath(rel)
		if !ok || rel == "" {
			errs = append(errs, apperr.ForItem(rel, apperr.ErrNotFound))
			continue
		}
		items = append(items, it)
	}
	return items, errs
}

func (s *Server) listScopes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var out []scopeOut
	for _, sc := range s.reg.Scopes() {
		out = append(out, scopeOut{
			ID:      sc.Identifier(),
			Name:    sc.DisplayName(),
			Kind:    sc.Kind().String(),
			URL:     sc.DocumentsURL(),
			Trash:   sc.IsTrash(),
			Tmpl:    sc.IsTemplate(),
			Scanned: sc.HasFinishedInitialScan(),
		})
	}
	return jsonResult(out), nil
}

func (s *Server) listItems(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sc, err := s.scopeArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	folder, err := folderArg(sc, optionalString(req, "folder"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if folder == nil {
		folder = sc.RootFolder()
	}
	out := []itemOut{}
	for _, it := range sc.Children(folder) {
		out = append(out, toItem(it))
	}
	return jsonResult(out), nil
}

type batchCall func(ctx context.Context, sc *scope.Scope, items []item.Item, folder *item.FolderItem) scope.Result

func (s *Server) batch(ctx context.Context, req mcp.CallToolRequest, fn batchCall) (*mcp.CallToolResult, error) {
	sc, err := s.scopeArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	folder, err := folderArg(sc, optionalString(req, "folder"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	paths := stringList(req, "paths")
	if len(paths) == 0 {
		return mcp.NewToolResultError("paths is required"), nil
	}
	items, missing := itemsArg(sc, paths)
	var res scope.Result
	if len(items) > 0 {
		res = fn(ctx, sc, items, folder)
	}
	return jsonResult(toBatch(res, missing)), nil
}

func (s *Server) moveItems(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.batch(ctx, req, func(ctx context.Context, sc *scope.Scope, items []item.Item, folder *item.FolderItem) scope.Result {
		return sc.MoveItems(ctx, items, folder)
	})
}

func (s *Server) copyItems(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.batch(ctx, req, func(ctx context.Context, sc *scope.Scope, items []item.Item, folder *item.FolderItem) scope.Result {
		return sc.CopyItems(ctx, items, folder, nil)
	})
}

func (s *Server) deleteItems(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.batch(ctx, req, func(ctx context.Context, sc *scope.Scope, items []item.Item, _ *item.FolderItem) scope.Result {
		return sc.DeleteItems(ctx, items)
	})
}

func (s *Server) renameItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sc, err := s.scopeArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	it, ok := sc.LookupPath(strings.Trim(path, "/"))
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	switch v := it.(type) {
	case *item.FileItem:
		f, err := sc.RenameFileItem(ctx, v, name, optionalString(req, "type"))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(toItem(f)), nil
	case *item.FolderItem:
		return jsonResult(toBatch(sc.RenameFolderItem(ctx, v, name), nil)), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("cannot rename %s", path)), nil
}

func (s *Server) makeFolder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sc, err := s.scopeArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	parent, err := folderArg(sc, optionalString(req, "parent"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items, missing := itemsArg(sc, stringList(req, "paths"))
	folder, res := sc.MakeFolderFromItems(ctx, items, parent, optionalString(req, "name"))
	out := toBatch(res, missing)
	if folder == nil {
		return mcp.NewToolResultError(fmt.Sprintf("folder not created: %v", out.Errors)), nil
	}
	f := toItem(folder)
	out.Folder = &f
	return jsonResult(out), nil
}

func (s *Server) trashItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	moved, err := s.reg.TrashItemAtURL(ctx, url)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("trashed: %s", moved)), nil
}

func (s *Server) getScopeGuide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ScopeGuide), nil
}

func (s *Server) readGuideResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "docscope://guide",
			MIMEType: "text/markdown",
			Text:     ScopeGuide,
		},
	}, nil
}
