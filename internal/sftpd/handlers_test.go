package sftpd

import (
	"io"
	"os"
	"testing"

	"github.com/pkg/sftp"
)

func TestTranslateErr(t *testing.T) {
	if got := translateErr(os.ErrNotExist); got != sftp.ErrSSHFxNoSuchFile {
		t.Errorf("translateErr(ErrNotExist) = %v, want ErrSSHFxNoSuchFile", got)
	}
	if got := translateErr(os.ErrPermission); got != sftp.ErrSSHFxPermissionDenied {
		t.Errorf("translateErr(ErrPermission) = %v, want ErrSSHFxPermissionDenied", got)
	}
	if got := translateErr(io.ErrUnexpectedEOF); got != sftp.ErrSSHFxFailure {
		t.Errorf("translateErr(other) = %v, want ErrSSHFxFailure", got)
	}
}

func TestListerAtOneShot(t *testing.T) {
	infos := []os.FileInfo{}
	l := listerAt(infos)

	dst := make([]os.FileInfo, 4)
	n, err := l.ListAt(dst, 0)
	if n != 0 || err != io.EOF {
		t.Errorf("ListAt on empty lister = %d, %v, want 0, io.EOF", n, err)
	}
}

func TestListerAtDeliversThenEOF(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(dir + "/a.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		infos = append(infos, info)
	}
	l := listerAt(infos)

	dst := make([]os.FileInfo, 4)
	n, err := l.ListAt(dst, 0)
	if n != 1 || err != io.EOF {
		t.Fatalf("ListAt first call = %d, %v, want 1, io.EOF", n, err)
	}

	n, err = l.ListAt(dst, 1)
	if n != 0 || err != io.EOF {
		t.Errorf("ListAt second call = %d, %v, want 0, io.EOF", n, err)
	}
}
