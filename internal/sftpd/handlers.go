package sftpd

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"

	"hightide/internal/sandbox"
)

// newHandlers returns an sftp.Handlers implementation whose every
// operation is sandboxed through resolver (spec.md §4.9: "all sandboxed
// through C1 with any escape yielding FAILURE").
func newHandlers(resolver *sandbox.Resolver) *sftp.Handlers {
	h := &handler{resolver: resolver}
	return &sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

type handler struct {
	resolver *sandbox.Resolver
}

func (h *handler) resolve(virtual string) (string, error) {
	hostPath, err := h.resolver.Resolve(virtual)
	if err != nil {
		return "", err
	}
	return hostPath, nil
}

// Fileread implements sftp.FileReader (OPEN for read + READ, spec.md §4.9).
func (h *handler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	hostPath, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, sftp.ErrSSHFxFailure
	}
	f, err := os.Open(hostPath)
	if err != nil {
		return nil, translateErr(err)
	}
	return f, nil
}

// Filewrite implements sftp.FileWriter (OPEN with WRITE/CREAT + WRITE,
// spec.md §4.9: "presence of WRITE or CREAT -> open read-write-truncate;
// creates parent directories on write").
func (h *handler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	hostPath, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, sftp.ErrSSHFxFailure
	}

	flags := r.Pflags()
	if flags.Creat || flags.Write {
		if err := os.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
			return nil, translateErr(err)
		}
	}

	openFlags := os.O_RDWR
	if flags.Creat || flags.Write {
		openFlags |= os.O_CREATE | os.O_TRUNC
	}
	if flags.Append {
		openFlags |= os.O_APPEND
	}

	f, err := os.OpenFile(hostPath, openFlags, 0644)
	if err != nil {
		return nil, translateErr(err)
	}
	return f, nil
}

// Filecmd implements sftp.FileCmder: REMOVE, MKDIR, RMDIR, RENAME
// (spec.md §4.9). Setstat is accepted as a no-op.
func (h *handler) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		return nil

	case "Remove":
		hostPath, err := h.resolve(r.Filepath)
		if err != nil {
			return sftp.ErrSSHFxFailure
		}
		if err := os.Remove(hostPath); err != nil {
			return translateErr(err)
		}
		return nil

	case "Mkdir":
		hostPath, err := h.resolve(r.Filepath)
		if err != nil {
			return sftp.ErrSSHFxFailure
		}
		if err := os.MkdirAll(hostPath, 0755); err != nil {
			return translateErr(err)
		}
		return nil

	case "Rmdir":
		hostPath, err := h.resolve(r.Filepath)
		if err != nil {
			return sftp.ErrSSHFxFailure
		}
		if err := os.Remove(hostPath); err != nil {
			return translateErr(err)
		}
		return nil

	case "Rename":
		oldHost, err := h.resolve(r.Filepath)
		if err != nil {
			return sftp.ErrSSHFxFailure
		}
		newHost, err := h.resolve(r.Target)
		if err != nil {
			return sftp.ErrSSHFxFailure
		}
		if err := os.Rename(oldHost, newHost); err != nil {
			return translateErr(err)
		}
		return nil

	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

// Filelist implements sftp.FileLister: OPENDIR/READDIR ("List", the whole
// directory read up front and served from the returned listerAt) and
// STAT/LSTAT ("Stat", "Lstat"). Every other method is unsupported.
func (h *handler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	hostPath, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, sftp.ErrSSHFxFailure
	}

	switch r.Method {
	case "List":
		entries, err := os.ReadDir(hostPath)
		if err != nil {
			return nil, translateErr(err)
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return listerAt(infos), nil

	case "Stat", "Lstat":
		info, err := os.Lstat(hostPath)
		if err != nil {
			return nil, translateErr(err)
		}
		return listerAt([]os.FileInfo{info}), nil

	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// listerAt is a fixed-slice ListerAt: each ListAt call copies as many
// entries from offset as fit in dst and returns io.EOF with the batch that
// reaches the end; a call with offset >= len returns 0, io.EOF.
type listerAt []os.FileInfo

func (l listerAt) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if offset+int64(n) >= int64(len(l)) {
		return n, io.EOF
	}
	return n, nil
}

// translateErr maps a host filesystem error to an SFTP status.
func translateErr(err error) error {
	if os.IsNotExist(err) {
		return sftp.ErrSSHFxNoSuchFile
	}
	if os.IsPermission(err) {
		return sftp.ErrSSHFxPermissionDenied
	}
	return sftp.ErrSSHFxFailure
}
