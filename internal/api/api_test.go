package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/docscope/internal/scope"
	"github.com/starford/docscope/internal/sse"
	"github.com/starford/docscope/internal/storage"
	"github.com/starford/docscope/internal/testutil"
)

type env struct {
	reg    *scope.Registry
	router http.Handler
	docs   *testutil.FakeBackend
	trash  *testutil.FakeBackend
}

// testEnv registers a "docs" scope and a "trash" scope backed by fakes.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) *env {
	t.Helper()
	return testEnvWithBroker(t, authToken, nil)
}

func testEnvWithBroker(t *testing.T, authToken string, broker *sse.Broker) *env {
	t.Helper()
	reg := scope.NewRegistry(nil, nil)
	t.Cleanup(func() { reg.Close(context.Background()) })

	e := &env{
		reg:   reg,
		docs:  testutil.NewFakeBackend("docs"),
		trash: testutil.NewFakeBackend("trash"),
	}
	e.docs.AddFile("a.txt", "alpha")
	e.docs.AddFile("b.txt", "beta")
	e.docs.AddFolder("archive")

	for b, role := range map[*testutil.FakeBackend]scope.Role{e.docs: scope.RoleNone, e.trash: scope.RoleTrash} {
		s, err := reg.Add(context.Background(), b, scope.Options{Role: role})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		select {
		case <-s.ScanDone():
		case <-time.After(5 * time.Second):
			t.Fatal("initial scan did not finish")
		}
	}
	e.router = NewRouter(reg, authToken != "", authToken, broker)
	return e
}

func (e *env) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBatch(t *testing.T, w *httptest.ResponseRecorder) BatchResponse {
	t.Helper()
	var resp BatchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestListScopes(t *testing.T) {
	e := testEnv(t, "")

	w := e.do(t, http.MethodGet, "/scopes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var scopes []ScopeDTO
	if err := json.Unmarshal(w.Body.Bytes(), &scopes); err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 2 || scopes[0].ID != "docs" || scopes[1].Role != "trash" {
		t.Errorf("scopes = %+v", scopes)
	}
	if scopes[0].Items != 2 || !scopes[0].Scanned {
		t.Errorf("docs summary = %+v", scopes[0])
	}
}

func TestListItems(t *testing.T) {
	e := testEnv(t, "")

	w := e.do(t, http.MethodGet, "/scopes/docs/items", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var items []ItemDTO
	_ = json.Unmarshal(w.Body.Bytes(), &items)
	if len(items) != 3 {
		t.Errorf("items = %+v", items)
	}

	w = e.do(t, http.MethodGet, "/scopes/docs/items?folder=missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing folder = %d, want 404", w.Code)
	}
	w = e.do(t, http.MethodGet, "/scopes/nope/items", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing scope = %d, want 404", w.Code)
	}
}

func TestCreateDocument(t *testing.T) {
	e := testEnv(t, "")

	req := CreateDocumentRequest{Name: "a", Type: "txt", Content: "new"}
	w := e.do(t, http.MethodPost, "/scopes/docs/documents", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var it ItemDTO
	_ = json.Unmarshal(w.Body.Bytes(), &it)
	if it.Name != "a 2.txt" {
		t.Errorf("name = %q", it.Name)
	}
	if e.docs.Content("a 2.txt") != "new" {
		t.Error("content not written")
	}

	w = e.do(t, http.MethodPost, "/scopes/docs/documents", CreateDocumentRequest{Type: "txt"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing name = %d, want 400", w.Code)
	}
}

func TestImportDocument(t *testing.T) {
	e := testEnv(t, "")
	src := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(src, []byte("from disk"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := e.do(t, http.MethodPost, "/scopes/docs/import", ImportRequest{FromPath: src})
	if w.Code != http.StatusConflict {
		t.Errorf("colliding import = %d, want 409", w.Code)
	}
	w = e.do(t, http.MethodPost, "/scopes/docs/import", ImportRequest{FromPath: src, Option: ImportRename})
	if w.Code != http.StatusCreated {
		t.Fatalf("renaming import = %d, body = %s", w.Code, w.Body.String())
	}
	w = e.do(t, http.MethodPost, "/scopes/docs/import", ImportRequest{FromPath: src, Option: "sideways"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad option = %d, want 400", w.Code)
	}
}

func TestMoveReportsPerItemErrors(t *testing.T) {
	e := testEnv(t, "")

	w := e.do(t, http.MethodPost, "/scopes/docs/move", ItemsRequest{Paths: []string{"a.txt", "ghost.txt"}, Folder: "archive"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeBatch(t, w)
	if len(resp.Items) != 1 || resp.Items[0].Path != "archive/a.txt" {
		t.Errorf("items = %+v", resp.Items)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Path != "ghost.txt" {
		t.Errorf("errors = %+v", resp.Errors)
	}
	if !e.docs.Has("archive/a.txt") {
		t.Error("storage not updated")
	}
}

func TestCopyAndDelete(t *testing.T) {
	e := testEnv(t, "")

	resp := decodeBatch(t, e.do(t, http.MethodPost, "/scopes/docs/copy", ItemsRequest{Paths: []string{"b.txt"}}))
	if len(resp.Items) != 1 || resp.Items[0].Name != "b 2.txt" {
		t.Fatalf("copy = %+v", resp)
	}
	resp = decodeBatch(t, e.do(t, http.MethodPost, "/scopes/docs/delete", ItemsRequest{Paths: []string{"b 2.txt"}}))
	if len(resp.Items) != 1 || len(resp.Errors) != 0 {
		t.Fatalf("delete = %+v", resp)
	}
	if e.docs.Has("b 2.txt") {
		t.Error("copy not deleted")
	}
}

func TestRenameFileAndFolder(t *testing.T) {
	e := testEnv(t, "")
	e.docs.AddFile("archive/old.txt", "o")
	s, _ := e.reg.Get("docs")
	_ = s.Rescan(context.Background())

	resp := decodeBatch(t, e.do(t, http.MethodPost, "/scopes/docs/rename", RenameRequest{Path: "a.txt", Name: "alpha"}))
	if len(resp.Items) != 1 || resp.Items[0].Path != "alpha.txt" {
		t.Errorf("file rename = %+v", resp)
	}
	resp = decodeBatch(t, e.do(t, http.MethodPost, "/scopes/docs/rename", RenameRequest{Path: "archive", Name: "old"}))
	if len(resp.Items) != 1 || resp.Items[0].Path != "old/old.txt" {
		t.Errorf("folder rename = %+v", resp)
	}
	w := e.do(t, http.MethodPost, "/scopes/docs/rename", RenameRequest{Path: "alpha.txt", Name: "b"})
	if w.Code != http.StatusConflict {
		t.Errorf("colliding rename = %d, want 409", w.Code)
	}
}

func TestMakeFolder(t *testing.T) {
	e := testEnv(t, "")

	w := e.do(t, http.MethodPost, "/scopes/docs/folders", FolderRequest{Paths: []string{"a.txt", "b.txt"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp FolderResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Folder == nil || resp.Folder.Name != "New Folder" || len(resp.Items) != 2 {
		t.Errorf("response = %+v", resp)
	}
}

func TestTakeBetweenScopes(t *testing.T) {
	e := testEnv(t, "")

	resp := decodeBatch(t, e.do(t, http.MethodPost, "/scopes/trash/take", TakeRequest{Source: "docs", Paths: []string{"a.txt"}}))
	if len(resp.Items) != 1 || len(resp.Errors) != 0 {
		t.Fatalf("take = %+v", resp)
	}
	if e.docs.Has("a.txt") || !e.trash.Has("a.txt") {
		t.Error("item did not move between backends")
	}
}

func TestTakeVetoed(t *testing.T) {
	e := testEnv(t, "")
	e.docs.SetHooks(storage.Hooks{Relinquish: func(string) error { return io.ErrClosedPipe }})

	resp := decodeBatch(t, e.do(t, http.MethodPost, "/scopes/trash/take", TakeRequest{Source: "docs", Paths: []string{"a.txt", "b.txt"}}))
	if len(resp.Items) != 0 || len(resp.Errors) != 1 {
		t.Fatalf("take = %+v", resp)
	}
	if !e.docs.Has("a.txt") {
		t.Error("vetoed item moved")
	}
}

func TestTrashEndpoint(t *testing.T) {
	e := testEnv(t, "")
	e.trash.AddFile("a.txt", "older")
	ts, _ := e.reg.Get("trash")
	_ = ts.Rescan(context.Background())

	w := e.do(t, http.MethodPost, "/trash", TrashRequest{URL: "mem://docs/a.txt"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp TrashResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.URL != "mem://trash/a 2.txt" {
		t.Errorf("url = %q", resp.URL)
	}

	w = e.do(t, http.MethodPost, "/trash", TrashRequest{URL: "mem://docs/a.txt"})
	if w.Code != http.StatusNotFound {
		t.Errorf("trash again = %d, want 404", w.Code)
	}
}

func TestRescanEndpoint(t *testing.T) {
	e := testEnv(t, "")
	e.docs.AddFile("c.txt", "c")

	w := e.do(t, http.MethodPost, "/scopes/docs/rescan", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var dto ScopeDTO
	_ = json.Unmarshal(w.Body.Bytes(), &dto)
	if dto.Items != 3 {
		t.Errorf("items = %d, want 3", dto.Items)
	}
}

func TestContentRoundTrip(t *testing.T) {
	e := testEnv(t, "")

	w := e.do(t, http.MethodGet, "/scopes/docs/content?path=a.txt", nil)
	if w.Code != http.StatusOK || w.Body.String() != "alpha" {
		t.Fatalf("content = %d %q", w.Code, w.Body.String())
	}

	w = upload(t, e.router, http.MethodPut, "/scopes/docs/content?path=a.txt", "a.txt", "rewritten")
	if w.Code != http.StatusOK {
		t.Fatalf("replace = %d, body = %s", w.Code, w.Body.String())
	}
	if e.docs.Content("a.txt") != "rewritten" {
		t.Error("content not replaced")
	}

	w = e.do(t, http.MethodGet, "/scopes/docs/content?path=archive", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("folder content = %d, want 404", w.Code)
	}
}

func TestUploadCreatesDocument(t *testing.T) {
	e := testEnv(t, "")

	w := upload(t, e.router, http.MethodPost, "/scopes/docs/upload", "b.txt", "uploaded")
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	var it ItemDTO
	_ = json.Unmarshal(w.Body.Bytes(), &it)
	if it.Name != "b 2.txt" || e.docs.Content("b 2.txt") != "uploaded" {
		t.Errorf("uploaded %+v", it)
	}
}

func TestUploadMissingFileField(t *testing.T) {
	e := testEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("folder", "archive")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/scopes/docs/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing field = %d, want 400", w.Code)
	}
}

func upload(t *testing.T, router http.Handler, method, target, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(part, strings.NewReader(content))
	mw.Close()

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	e := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/scopes", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	e := testEnv(t, "secret123")

	w := e.do(t, http.MethodGet, "/scopes", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	e := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/scopes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

// SSE endpoint auth tests.

func TestSSEEvents_AuthProtected(t *testing.T) {
	broker := sse.NewBroker(time.Second)
	defer broker.Close()
	e := testEnvWithBroker(t, "secret", broker)

	w := e.do(t, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	broker := sse.NewBroker(time.Second)
	defer broker.Close()
	e := testEnvWithBroker(t, "tok", broker)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

func TestSSEEvents_QueryToken(t *testing.T) {
	broker := sse.NewBroker(time.Second)
	defer broker.Close()
	e := testEnvWithBroker(t, "tok", broker)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?access_token=tok", nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with query token should not 401")
	}
}

func TestAuthMiddleware_QueryTokenOnlyForEventStream(t *testing.T) {
	e := testEnv(t, "tok")

	w := e.do(t, http.MethodGet, "/scopes?access_token=tok", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("query token on /scopes = %d, want 401", w.Code)
	}
}

func TestMoveStreamsStatuses(t *testing.T) {
	broker := sse.NewBroker(time.Second)
	defer broker.Close()
	e := testEnvWithBroker(t, "", broker)
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	e.do(t, http.MethodPost, "/scopes/docs/move", ItemsRequest{Paths: []string{"a.txt"}, Folder: "archive"})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: motion.status") || !strings.Contains(s, `"destination":"archive/a.txt"`) {
			t.Errorf("message = %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no motion status published")
	}
}
