package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/docscope/internal/scope"
	"github.com/starford/docscope/internal/testutil"
)

func testServer(t *testing.T) (*Server, *testutil.FakeBackend, *testutil.FakeBackend) {
	t.Helper()

	reg := scope.NewRegistry(nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})

	docs := testutil.NewFakeBackend("docs")
	docs.AddFile("a.txt", "alpha")
	docs.AddFile("b.txt", "beta")
	docs.AddFolder("archive")
	trash := testutil.NewFakeBackend("trash")

	for _, add := range []struct {
		b    *testutil.FakeBackend
		role scope.Role
	}{{docs, scope.RoleNone}, {trash, scope.RoleTrash}} {
		s, err := reg.Add(context.Background(), add.b, scope.Options{Role: add.role})
		if err != nil {
			t.Fatal(err)
		}
		select {
		case <-s.ScanDone():
		case <-time.After(5 * time.Second):
			t.Fatalf("scan of %s did not finish", add.b.Identifier())
		}
	}

	return New(reg), docs, trash
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_scopes":
		result, err = srv.listScopes(ctx, req)
	case "list_items":
		result, err = srv.listItems(ctx, req)
	case "move_items":
		result, err = srv.moveItems(ctx, req)
	case "copy_items":
		result, err = srv.copyItems(ctx, req)
	case "rename_item":
		result, err = srv.renameItem(ctx, req)
	case "make_folder":
		result, err = srv.makeFolder(ctx, req)
	case "trash_item":
		result, err = srv.trashItem(ctx, req)
	case "delete_items":
		result, err = srv.deleteItems(ctx, req)
	case "fetch_document":
		result, err = srv.fetchDocument(ctx, req)
	case "get_scope_guide":
		result, err = srv.getScopeGuide(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decodeBatch(t *testing.T, r *mcp.CallToolResult) batchOut {
	t.Helper()
	if r.IsError {
		t.Fatalf("unexpected error result: %s", resultText(r))
	}
	var out batchOut
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
	return out
}

func TestListScopes(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "list_scopes", map[string]interface{}{})
	var scopes []scopeOut
	if err := json.Unmarshal([]byte(resultText(r)), &scopes); err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 2 {
		t.Fatalf("scopes = %+v", scopes)
	}
	if scopes[0].ID != "docs" || !scopes[1].Trash {
		t.Errorf("order = %+v", scopes)
	}
}

func TestListItems(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "list_items", map[string]interface{}{"scope": "docs"})
	var items []itemOut
	if err := json.Unmarshal([]byte(resultText(r)), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Errorf("items = %+v", items)
	}

	r = callTool(t, srv, "list_items", map[string]interface{}{"scope": "nope"})
	if !r.IsError {
		t.Error("expected error for unknown scope")
	}
	r = callTool(t, srv, "list_items", map[string]interface{}{"scope": "docs", "folder": "missing"})
	if !r.IsError {
		t.Error("expected error for unknown folder")
	}
}

func TestMoveItemsReportsMissing(t *testing.T) {
	srv, docs, _ := testServer(t)

	r := callTool(t, srv, "move_items", map[string]interface{}{
		"scope":  "docs",
		"paths":  []any{"a.txt", "ghost.txt"},
		"folder": "archive",
	})
	out := decodeBatch(t, r)
	if len(out.Items) != 1 || out.Items[0].Path != "archive/a.txt" {
		t.Errorf("items = %+v", out.Items)
	}
	if len(out.Errors) != 1 || out.Errors[0].Path != "ghost.txt" {
		t.Errorf("errors = %+v", out.Errors)
	}
	if !docs.Has("archive/a.txt") || docs.Has("a.txt") {
		t.Errorf("backend paths = %v", docs.Paths())
	}
}

func TestMoveItemsRequiresPaths(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "move_items", map[string]interface{}{"scope": "docs"})
	if !r.IsError {
		t.Error("expected error without paths")
	}
}

func TestCopyItemsRenames(t *testing.T) {
	srv, docs, _ := testServer(t)

	r := callTool(t, srv, "copy_items", map[string]interface{}{
		"scope": "docs",
		"paths": []any{"a.txt"},
	})
	out := decodeBatch(t, r)
	if len(out.Items) != 1 || out.Items[0].Path != "a 2.txt" {
		t.Fatalf("items = %+v", out.Items)
	}
	if docs.Content("a 2.txt") != "alpha" {
		t.Errorf("copy content = %q", docs.Content("a 2.txt"))
	}
}

func TestRenameItem(t *testing.T) {
	srv, docs, _ := testServer(t)

	r := callTool(t, srv, "rename_item", map[string]interface{}{
		"scope": "docs",
		"path":  "b.txt",
		"name":  "beta",
		"type":  "md",
	})
	if r.IsError {
		t.Fatalf("rename: %s", resultText(r))
	}
	if !docs.Has("beta.md") {
		t.Errorf("backend paths = %v", docs.Paths())
	}

	r = callTool(t, srv, "rename_item", map[string]interface{}{
		"scope": "docs",
		"path":  "beta.md",
		"name":  "a",
		"type":  "txt",
	})
	if !r.IsError {
		t.Error("expected collision error")
	}
}

func TestMakeFolder(t *testing.T) {
	srv, docs, _ := testServer(t)

	r := callTool(t, srv, "make_folder", map[string]interface{}{
		"scope": "docs",
		"name":  "bundle",
		"paths": []any{"a.txt", "b.txt"},
	})
	out := decodeBatch(t, r)
	if out.Folder == nil || out.Folder.Path != "bundle" {
		t.Fatalf("folder = %+v", out.Folder)
	}
	if len(out.Items) != 2 || len(out.Errors) != 0 {
		t.Errorf("result = %+v", out)
	}
	if !docs.Has("bundle/a.txt") || !docs.Has("bundle/b.txt") {
		t.Errorf("backend paths = %v", docs.Paths())
	}
}

func TestTrashItem(t *testing.T) {
	srv, docs, trash := testServer(t)

	r := callTool(t, srv, "trash_item", map[string]interface{}{"url": "mem://docs/a.txt"})
	if r.IsError {
		t.Fatalf("trash: %s", resultText(r))
	}
	if got := resultText(r); got != "trashed: mem://trash/a.txt" {
		t.Errorf("result = %q", got)
	}
	if docs.Has("a.txt") || !trash.Has("a.txt") {
		t.Errorf("docs=%v trash=%v", docs.Paths(), trash.Paths())
	}

	r = callTool(t, srv, "trash_item", map[string]interface{}{"url": "mem://docs/a.txt"})
	if !r.IsError {
		t.Error("expected error for already trashed item")
	}
}

func TestDeleteItems(t *testing.T) {
	srv, docs, _ := testServer(t)

	r := callTool(t, srv, "delete_items", map[string]interface{}{
		"scope": "docs",
		"paths": []any{"a.txt", "archive"},
	})
	out := decodeBatch(t, r)
	if len(out.Items) != 2 || len(out.Errors) != 0 {
		t.Errorf("result = %+v", out)
	}
	if docs.Has("a.txt") || docs.Has("archive") {
		t.Errorf("backend paths = %v", docs.Paths())
	}
}

func TestFetchDocumentDataURI(t *testing.T) {
	srv, docs, _ := testServer(t)

	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))
	r := callTool(t, srv, "fetch_document", map[string]interface{}{
		"scope":    "docs",
		"url":      uri,
		"folder":   "archive",
		"filename": "a.txt",
	})
	if r.IsError {
		t.Fatalf("fetch: %s", resultText(r))
	}
	var out fetchResult
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Path != "archive/a.txt" || out.Size != 5 {
		t.Errorf("result = %+v", out)
	}
	if docs.Content("archive/a.txt") != "hello" {
		t.Errorf("content = %q", docs.Content("archive/a.txt"))
	}

	// Same name again is disambiguated.
	r = callTool(t, srv, "fetch_document", map[string]interface{}{
		"scope":    "docs",
		"url":      uri,
		"folder":   "archive",
		"filename": "a.txt",
	})
	if !strings.Contains(resultText(r), "archive/a 2.txt") {
		t.Errorf("second fetch = %s", resultText(r))
	}
}

func TestFetchDocumentBlockedHost(t *testing.T) {
	srv, _, _ := testServer(t)

	for _, u := range []string{
		"http://127.0.0.1/secret.txt",
		"http://169.254.169.254/latest/meta-data",
		"ftp://example.com/a.txt",
	} {
		r := callTool(t, srv, "fetch_document", map[string]interface{}{"scope": "docs", "url": u})
		if !r.IsError {
			t.Errorf("%s: expected error", u)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"../../etc/passwd": "passwd",
		"q1 report.pdf":    "q1 report.pdf",
		"a;b|c.txt":        "a_b_c.txt",
		".hidden":          "hidden",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFilenameFromURL(t *testing.T) {
	if got := filenameFromURL("https://example.com/files/Q1%20Report.pdf", ".pdf"); got != "Q1 Report.pdf" {
		t.Errorf("got %q", got)
	}
	got := filenameFromURL("https://example.com/download", ".txt")
	if !strings.HasSuffix(got, ".txt") || len(got) != 36+4 {
		t.Errorf("fallback name = %q", got)
	}
}

func TestGetScopeGuide(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "get_scope_guide", map[string]interface{}{})
	if resultText(r) != ScopeGuide {
		t.Error("guide mismatch")
	}
}
