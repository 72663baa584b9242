package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"

	"hightide/internal/registry"
	"hightide/internal/remoteapi"
)

const testToken = "shared-secret"

// newTestServer wires a Server against a fake remote helper API that grants
// every admin/permission check, so handlers can be exercised without a real
// panel or container runtime.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"isAdmin": true, "permission": true})
	}))
	t.Cleanup(remoteSrv.Close)

	base := t.TempDir()
	store := registry.NewStore(filepath.Join(base, "servers.json"))
	reg := registry.New(base, nil, store, nil)
	remote := remoteapi.New(remoteSrv.URL, "node1", testToken, nil)

	s := New("127.0.0.1:0", testToken, reg, remote, nil)
	return s, base
}

func doPost(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleStatusCheck(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doPost(t, s.handleStatusCheck, map[string]string{"token": testToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	rec = doPost(t, s.handleStatusCheck, map[string]string{"token": "wrong"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status with wrong token = %d, want 403", rec.Code)
	}

	rec = doPost(t, s.handleStatusCheck, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status with missing token = %d, want 400", rec.Code)
	}
}

func TestHandleCreateAndDelete(t *testing.T) {
	s, base := newTestServer(t)

	rec := doPost(t, s.handleCreate, map[string]any{
		"token": testToken, "serverId": "s1", "userUuid": "admin1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(base, "s1")); err != nil {
		t.Errorf("sandbox directory not created: %v", err)
	}

	if _, ok := s.registry.Get("s1"); !ok {
		t.Fatal("registry does not contain created server")
	}

	rec = doPost(t, s.handleDelete, map[string]any{
		"token": testToken, "serverId": "s1", "userUuid": "admin1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if _, ok := s.registry.Get("s1"); ok {
		t.Error("registry still contains deleted server")
	}
}

func TestHandleCreateRequiresServerID(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doPost(t, s.handleCreate, map[string]any{"token": testToken, "userUuid": "admin1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleFileManagerList(t *testing.T) {
	s, base := newTestServer(t)

	if _, err := s.registry.Create("s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(base, "s1", "a.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	data, _ := json.Marshal(map[string]any{
		"token": testToken, "serverId": "s1", "userUuid": "u1", "path": "",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/servers/filemanager/list", bytes.NewReader(data))
	req = mux.SetURLVars(req, map[string]string{"op": "list"})
	rec := httptest.NewRecorder()
	s.handleFileManager(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}
