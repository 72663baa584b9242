package sftpd

import (
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateHostKeyGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host_key")

	signer1, err := loadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("loadOrGenerateHostKey: %v", err)
	}

	signer2, err := loadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("loadOrGenerateHostKey (second load): %v", err)
	}

	if string(signer1.PublicKey().Marshal()) != string(signer2.PublicKey().Marshal()) {
		t.Error("second load generated a different key instead of reusing the persisted one")
	}
}

func TestSplitUsername(t *testing.T) {
	tests := []struct {
		raw      string
		user     string
		serverID string
		ok       bool
	}{
		{"alice_server1", "alice", "server1", true},
		{"a_b_c", "a_b", "c", true},
		{"noseparator", "", "", false},
		{"_leading", "", "", false},
		{"trailing_", "", "", false},
	}
	for _, tt := range tests {
		user, serverID, ok := splitUsername(tt.raw)
		if ok != tt.ok || user != tt.user || serverID != tt.serverID {
			t.Errorf("splitUsername(%q) = %q, %q, %v, want %q, %q, %v", tt.raw, user, serverID, ok, tt.user, tt.serverID, tt.ok)
		}
	}
}
