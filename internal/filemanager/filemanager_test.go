package filemanager

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hightide/internal/agenterr"
	"hightide/internal/filemanager/archive"
	"hightide/internal/sandbox"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	base := t.TempDir()
	resolver := sandbox.New(base, "s1")
	root := filepath.Join(base, "s1")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("mkdir sandbox root: %v", err)
	}
	return New(resolver), root
}

func TestWriteReadRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.Write("config.yml", "setting: 1"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	res, err := svc.Read("config.yml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Content != "setting: 1" {
		t.Errorf("Content = %q, want %q", res.Content, "setting: 1")
	}
	if res.Path != "/config.yml" {
		t.Errorf("Path = %q, want /config.yml", res.Path)
	}
}

func TestReadRejectsDirectory(t *testing.T) {
	svc, root := newTestService(t)
	if err := os.Mkdir(filepath.Join(root, "world"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	_, err := svc.Read("world")
	if kind, ok := agenterr.As(err); !ok || kind != agenterr.KindInputInvalid {
		t.Errorf("Read(directory) kind = %v, ok=%v, want KindInputInvalid", kind, ok)
	}
}

func TestReadRejectsOversizedFile(t *testing.T) {
	svc, root := newTestService(t)
	big := make([]byte, maxReadBytes+1)
	if err := os.WriteFile(filepath.Join(root, "big.log"), big, 0644); err != nil {
		t.Fatalf("write big file: %v", err)
	}

	_, err := svc.Read("big.log")
	if kind, ok := agenterr.As(err); !ok || kind != agenterr.KindPayloadTooLarge {
		t.Errorf("Read(oversized) kind = %v, ok=%v, want KindPayloadTooLarge", kind, ok)
	}
}

func TestList(t *testing.T) {
	svc, root := newTestService(t)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644)
	os.Mkdir(filepath.Join(root, "sub"), 0755)

	entries, err := svc.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
	if entries[0].Name != "a.txt" || entries[0].Type != "file" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Name != "sub" || entries[1].Type != "directory" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestRenameRejectsPathSeparator(t *testing.T) {
	svc, root := newTestService(t)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644)

	_, err := svc.Rename("a.txt", "sub/b.txt")
	if kind, ok := agenterr.As(err); !ok || kind != agenterr.KindInputInvalid {
		t.Errorf("Rename with separator kind = %v, ok=%v, want KindInputInvalid", kind, ok)
	}
}

func TestRename(t *testing.T) {
	svc, root := newTestService(t)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644)

	res, err := svc.Rename("a.txt", "b.txt")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if res.NewPath != "/b.txt" {
		t.Errorf("NewPath = %q, want /b.txt", res.NewPath)
	}
	if _, err := os.Stat(filepath.Join(root, "b.txt")); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
}

func TestMoveIntoDirectory(t *testing.T) {
	svc, root := newTestService(t)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644)
	os.Mkdir(filepath.Join(root, "sub"), 0755)

	res, err := svc.Move("a.txt", "sub/")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if res.To != "/sub/a.txt" {
		t.Errorf("To = %q, want /sub/a.txt", res.To)
	}
}

func TestUploadRejectsOversizedPayload(t *testing.T) {
	svc, _ := newTestService(t)
	data := make([]byte, maxUploadBytes+1)
	encoded := base64.StdEncoding.EncodeToString(data)

	_, err := svc.Upload("big.bin", encoded)
	if kind, ok := agenterr.As(err); !ok || kind != agenterr.KindPayloadTooLarge {
		t.Errorf("Upload(oversized) kind = %v, ok=%v, want KindPayloadTooLarge", kind, ok)
	}
}

func TestUploadRejectsTrailingSlash(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Upload("dir/", base64.StdEncoding.EncodeToString([]byte("x")))
	if kind, ok := agenterr.As(err); !ok || kind != agenterr.KindInputInvalid {
		t.Errorf("Upload(trailing slash) kind = %v, ok=%v, want KindInputInvalid", kind, ok)
	}
}

func TestMassDelete(t *testing.T) {
	svc, root := newTestService(t)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644)
	os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0644)

	res, err := svc.Mass([]string{"a.txt", "b.txt"}, "delete", "")
	if err != nil {
		t.Fatalf("Mass delete: %v", err)
	}
	for _, r := range res.Results {
		if r.Status != "ok" {
			t.Errorf("result for %s = %q, want ok", r.Path, r.Status)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Error("a.txt still exists after mass delete")
	}
}

func TestMassArchive(t *testing.T) {
	svc, root := newTestService(t)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644)

	res, err := svc.Mass([]string{"a.txt"}, "archive", "backup")
	if err != nil {
		t.Fatalf("Mass archive: %v", err)
	}
	if res.Archive != "/backup.zip" {
		t.Errorf("Archive = %q, want /backup.zip", res.Archive)
	}
	if _, err := os.Stat(filepath.Join(root, "backup.zip")); err != nil {
		t.Errorf("archive file missing: %v", err)
	}
}

func TestMassArchiveDefaultNameIsServerSideTimestamp(t *testing.T) {
	svc, root := newTestService(t)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644)

	res, err := svc.Mass([]string{"a.txt"}, "archive", "")
	if err != nil {
		t.Fatalf("Mass archive: %v", err)
	}
	if res.Archive == "/archive-0.zip" {
		t.Errorf("Archive = %q, want a real timestamp, not a zero default", res.Archive)
	}
	if !strings.HasPrefix(res.Archive, "/archive-") || !strings.HasSuffix(res.Archive, ".zip") {
		t.Errorf("Archive = %q, want /archive-{ts}.zip shape", res.Archive)
	}
}

func TestUnarchiveFlattensMatchingTopDir(t *testing.T) {
	svc, root := newTestService(t)

	tmp := filepath.Join(root, "staging")
	os.MkdirAll(filepath.Join(tmp, "world"), 0755)
	os.WriteFile(filepath.Join(tmp, "world", "level.dat"), []byte("x"), 0644)

	zipPath := filepath.Join(root, "world.zip")
	nameFor := func(hostPath string) string {
		r, err := filepath.Rel(tmp, hostPath)
		if err != nil {
			return filepath.Base(hostPath)
		}
		return strings.ReplaceAll(r, string(filepath.Separator), "/")
	}
	if err := archive.CreateZip(zipPath, []string{filepath.Join(tmp, "world")}, nameFor); err != nil {
		t.Fatalf("archive.CreateZip: %v", err)
	}

	res, err := svc.Unarchive("world.zip", "extracted")
	if err != nil {
		t.Fatalf("Unarchive: %v", err)
	}
	if !res.Flattened {
		t.Error("Flattened = false, want true")
	}
	if _, err := os.Stat(filepath.Join(root, "extracted", "level.dat")); err != nil {
		t.Errorf("flattened file missing: %v", err)
	}
}
