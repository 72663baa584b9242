package remoteapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsAdmin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/nodes/helper/admin-permission" {
			t.Errorf("path = %s, want /api/nodes/helper/admin-permission", r.URL.Path)
		}
		var req adminPermissionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.UserUUID != "u1" {
			t.Errorf("UserUUID = %q, want u1", req.UserUUID)
		}
		json.NewEncoder(w).Encode(adminPermissionResponse{IsAdmin: true})
	}))
	defer srv.Close()

	c := New(srv.URL, "node1", "secret", nil)
	if !c.IsAdmin("u1") {
		t.Error("IsAdmin(u1) = false, want true")
	}
}

func TestIsAdminDeniesOnRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "node1", "secret", nil)
	if c.IsAdmin("u1") {
		t.Error("IsAdmin(u1) on remote failure = true, want false (deny on failure)")
	}
}

func TestHasPermissionDeniesOnRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "node1", "secret", nil)
	if c.HasPermission("u1", "s1") {
		t.Error("HasPermission on remote failure = true, want false")
	}
}

func TestFetchPorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FetchPortsResponse{Port: 25565, SFTP: 2022, SSL: false})
	}))
	defer srv.Close()

	c := New(srv.URL, "node1", "secret", nil)
	resp, err := c.FetchPorts()
	if err != nil {
		t.Fatalf("FetchPorts: %v", err)
	}
	if resp.Port != 25565 || resp.SFTP != 2022 {
		t.Errorf("resp = %+v, want port=25565 sftp=2022", resp)
	}
}

func TestSetTokenAndBaseURL(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req adminPermissionRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotToken = req.Token
		json.NewEncoder(w).Encode(adminPermissionResponse{})
	}))
	defer srv.Close()

	c := New("http://unused.invalid", "node1", "old-token", nil)
	c.SetBaseURL(srv.URL)
	c.SetToken("new-token")

	c.IsAdmin("u1")
	if gotToken != "new-token" {
		t.Errorf("token used = %q, want new-token", gotToken)
	}
}
