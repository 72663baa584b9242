// Package filemanager implements the sandboxed file operations exposed by
// the HTTP file manager (spec.md §4.8, C8): list, read, write, rename,
// mkdir, move, upload, download, mass (delete/archive), unarchive.
//
// The teacher has no file-manager analog; every operation is new,
// written in the "resolve -> act -> typed error" shape used throughout
// the teacher's executor package, with every path resolved through
// internal/sandbox per spec.md §4.8's common precondition.
package filemanager

import (
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hightide/internal/agenterr"
	"hightide/internal/filemanager/archive"
	"hightide/internal/sandbox"
)

const (
	maxReadBytes   = 2 * 1024 * 1024
	maxUploadBytes = 25 * 1024 * 1024
)

// Service implements every C8 operation against a single server's sandbox.
// Callers (internal/httpapi) construct one per request, bound to the
// target server's resolver.
type Service struct {
	resolver *sandbox.Resolver
}

// New returns a Service bound to resolver.
func New(resolver *sandbox.Resolver) *Service {
	return &Service{resolver: resolver}
}

// Entry is one listing row returned by List.
type Entry struct {
	Name         string    `json:"name"`
	Type         string    `json:"type"` // "file" | "directory"
	Size         *int64    `json:"size"`
	LastModified time.Time `json:"lastModified"`
	Path         string    `json:"path"`
}

// List returns the directory entries at path.
func (s *Service) List(userPath string) ([]Entry, error) {
	const op = "filemanager.List"
	hostPath, err := s.resolver.Resolve(userPath)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, classifyStatErr(op, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		childHost := filepath.Join(hostPath, de.Name())
		e := Entry{
			Name:         de.Name(),
			LastModified: info.ModTime(),
			Path:         s.resolver.Virtualize(childHost),
		}
		if de.IsDir() {
			e.Type = "directory"
		} else {
			e.Type = "file"
			size := info.Size()
			e.Size = &size
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ReadResult is the response to Read.
type ReadResult struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	Content      string    `json:"content"`
}

// Read returns the UTF-8 content of the file at path. Rejects directories
// and files over 2 MiB (spec.md §4.8).
func (s *Service) Read(userPath string) (ReadResult, error) {
	const op = "filemanager.Read"
	hostPath, err := s.resolver.Resolve(userPath)
	if err != nil {
		return ReadResult{}, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return ReadResult{}, classifyStatErr(op, err)
	}
	if info.IsDir() {
		return ReadResult{}, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("%q is a directory", userPath))
	}
	if info.Size() > maxReadBytes {
		return ReadResult{}, agenterr.New(agenterr.KindPayloadTooLarge, op, fmt.Errorf("%q is %d bytes, exceeds 2MiB limit", userPath, info.Size()))
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return ReadResult{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	return ReadResult{
		Path:         s.resolver.Virtualize(hostPath),
		Size:         info.Size(),
		LastModified: info.ModTime(),
		Content:      string(data),
	}, nil
}

// Write creates (or overwrites) the file at path with content, creating
// parent directories as needed.
func (s *Service) Write(userPath, content string) error {
	const op = "filemanager.Write"
	hostPath, err := s.resolver.Resolve(userPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
		return agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	if err := os.WriteFile(hostPath, []byte(content), 0644); err != nil {
		return agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	return nil
}

// RenameResult is the response to Rename.
type RenameResult struct {
	Status  string `json:"status"`
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

// Rename moves the entry at path to newName within the same directory.
// newName must not contain a path separator (spec.md §4.8).
func (s *Service) Rename(userPath, newName string) (RenameResult, error) {
	const op = "filemanager.Rename"
	if strings.ContainsAny(newName, "/\\") {
		return RenameResult{}, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("newName %q must not contain a path separator", newName))
	}

	oldHost, err := s.resolver.Resolve(userPath)
	if err != nil {
		return RenameResult{}, err
	}
	if _, err := os.Stat(oldHost); err != nil {
		return RenameResult{}, classifyStatErr(op, err)
	}

	oldVirtual := s.resolver.Virtualize(oldHost)
	newVirtual := path.Join(path.Dir(oldVirtual), newName)
	newHost, err := s.resolver.Resolve(newVirtual)
	if err != nil {
		return RenameResult{}, err
	}

	if err := os.Rename(oldHost, newHost); err != nil {
		return RenameResult{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	return RenameResult{Status: "ok", OldPath: oldVirtual, NewPath: s.resolver.Virtualize(newHost)}, nil
}

// DownloadResult is the response to Download.
type DownloadResult struct {
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	Base64   string `json:"base64"`
}

// Download returns the base64-encoded content of the file at path.
// Rejects directories.
func (s *Service) Download(userPath string) (DownloadResult, error) {
	const op = "filemanager.Download"
	hostPath, err := s.resolver.Resolve(userPath)
	if err != nil {
		return DownloadResult{}, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		return DownloadResult{}, classifyStatErr(op, err)
	}
	if info.IsDir() {
		return DownloadResult{}, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("%q is a directory", userPath))
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return DownloadResult{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	return DownloadResult{
		FileName: filepath.Base(hostPath),
		Size:     info.Size(),
		Base64:   base64.StdEncoding.EncodeToString(data),
	}, nil
}

// MkdirResult is the response to Mkdir.
type MkdirResult struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

// Mkdir creates path and every missing parent directory. Rejects an empty
// path (spec.md §4.8).
func (s *Service) Mkdir(userPath string) (MkdirResult, error) {
	const op = "filemanager.Mkdir"
	if strings.TrimSpace(userPath) == "" {
		return MkdirResult{}, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("path must not be empty"))
	}
	hostPath, err := s.resolver.Resolve(userPath)
	if err != nil {
		return MkdirResult{}, err
	}
	if err := os.MkdirAll(hostPath, 0755); err != nil {
		return MkdirResult{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	return MkdirResult{Status: "ok", Path: s.resolver.Virtualize(hostPath)}, nil
}

// MoveResult is the response to Move.
type MoveResult struct {
	Status string `json:"status"`
	From   string `json:"from"`
	To     string `json:"to"`
	Type   string `json:"type"`
}

// Move relocates from to to. If to is an existing directory or ends in
// "/", the source is moved into it, keeping its basename (spec.md §4.8).
func (s *Service) Move(from, to string) (MoveResult, error) {
	const op = "filemanager.Move"
	fromHost, err := s.resolver.Resolve(from)
	if err != nil {
		return MoveResult{}, err
	}
	fromInfo, err := os.Stat(fromHost)
	if err != nil {
		return MoveResult{}, classifyStatErr(op, err)
	}

	toHost, err := s.resolver.Resolve(to)
	if err != nil {
		return MoveResult{}, err
	}
	intoDir := strings.HasSuffix(to, "/")
	if info, statErr := os.Stat(toHost); statErr == nil && info.IsDir() {
		intoDir = true
	}
	if intoDir {
		toHost = filepath.Join(toHost, filepath.Base(fromHost))
	}

	if err := os.MkdirAll(filepath.Dir(toHost), 0755); err != nil {
		return MoveResult{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	if err := os.Rename(fromHost, toHost); err != nil {
		return MoveResult{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}

	entryType := "file"
	if fromInfo.IsDir() {
		entryType = "directory"
	}
	return MoveResult{
		Status: "ok",
		From:   s.resolver.Virtualize(fromHost),
		To:     s.resolver.Virtualize(toHost),
		Type:   entryType,
	}, nil
}

// UploadResult is the response to Upload.
type UploadResult struct {
	Status string `json:"status"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
}

// Upload writes base64-decoded content to path, which must include a
// filename. Rejects payloads over 25 MiB (spec.md §4.8).
func (s *Service) Upload(userPath, contentBase64 string) (UploadResult, error) {
	const op = "filemanager.Upload"

	if userPath == "" || strings.HasSuffix(userPath, "/") {
		return UploadResult{}, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("upload path must include a filename"))
	}

	data, err := base64.StdEncoding.DecodeString(contentBase64)
	if err != nil {
		return UploadResult{}, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("decode base64 content: %w", err))
	}
	if len(data) > maxUploadBytes {
		return UploadResult{}, agenterr.New(agenterr.KindPayloadTooLarge, op, fmt.Errorf("upload is %d bytes, exceeds 25MiB limit", len(data)))
	}

	hostPath, err := s.resolver.Resolve(userPath)
	if err != nil {
		return UploadResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
		return UploadResult{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	if err := os.WriteFile(hostPath, data, 0644); err != nil {
		return UploadResult{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	return UploadResult{Status: "ok", Path: s.resolver.Virtualize(hostPath), Size: int64(len(data))}, nil
}

// MassEntryResult is one per-entry outcome of Mass.
type MassEntryResult struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MassResult is the response to Mass.
type MassResult struct {
	Results []MassEntryResult `json:"results"`
	Archive string            `json:"archive,omitempty"`
}

// Mass runs action ("delete" or "archive") over paths (spec.md §4.8).
// delete is force-recursive; archive produces a zip under the sandbox
// root named "{archiveName|archive-{ts}}.zip".
func (s *Service) Mass(paths []string, action, archiveName string) (MassResult, error) {
	const op = "filemanager.Mass"

	switch action {
	case "delete":
		results := make([]MassEntryResult, 0, len(paths))
		for _, p := range paths {
			hostPath, err := s.resolver.Resolve(p)
			if err != nil {
				results = append(results, MassEntryResult{Path: p, Status: "failed", Error: err.Error()})
				continue
			}
			if err := os.RemoveAll(hostPath); err != nil {
				results = append(results, MassEntryResult{Path: p, Status: "failed", Error: err.Error()})
				continue
			}
			results = append(results, MassEntryResult{Path: p, Status: "ok"})
		}
		return MassResult{Results: results}, nil

	case "archive":
		name := archiveName
		if name == "" {
			name = fmt.Sprintf("archive-%d", time.Now().UnixMilli())
		}
		if !strings.HasSuffix(name, ".zip") {
			name += ".zip"
		}
		zipHost, err := s.resolver.Resolve(name)
		if err != nil {
			return MassResult{}, err
		}

		results := make([]MassEntryResult, 0, len(paths))
		members := make([]string, 0, len(paths))
		memberNames := make(map[string]string, len(paths))
		for _, p := range paths {
			hostPath, err := s.resolver.Resolve(p)
			if err != nil {
				results = append(results, MassEntryResult{Path: p, Status: "failed", Error: err.Error()})
				continue
			}
			if _, err := os.Stat(hostPath); err != nil {
				results = append(results, MassEntryResult{Path: p, Status: "failed", Error: err.Error()})
				continue
			}
			members = append(members, hostPath)
			memberNames[hostPath] = filepath.Base(hostPath)
			results = append(results, MassEntryResult{Path: p, Status: "ok"})
		}

		if len(members) > 0 {
			if err := archive.CreateZip(zipHost, members, func(h string) string { return memberNames[h] }); err != nil {
				return MassResult{}, agenterr.New(agenterr.KindRuntimeFailed, op, err)
			}
		}
		return MassResult{Results: results, Archive: s.resolver.Virtualize(zipHost)}, nil

	default:
		return MassResult{}, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("unknown mass action %q", action))
	}
}

// UnarchiveResult is the response to Unarchive.
type UnarchiveResult struct {
	Status      string            `json:"status"`
	Archive     string            `json:"archive"`
	Destination string            `json:"destination"`
	Flattened   bool              `json:"flattened"`
	Results     []MassEntryResult `json:"results"`
}

// Unarchive extracts the archive at path into destination (or, if empty,
// the archive's base name with extension stripped), applying the flatten
// heuristic and zip-slip sanitization (spec.md §4.8).
func (s *Service) Unarchive(userPath, destination string) (UnarchiveResult, error) {
	const op = "filemanager.Unarchive"

	hostArchive, err := s.resolver.Resolve(userPath)
	if err != nil {
		return UnarchiveResult{}, err
	}
	if _, err := os.Stat(hostArchive); err != nil {
		return UnarchiveResult{}, classifyStatErr(op, err)
	}

	format := archive.DetectFormat(userPath)
	if format == archive.FormatUnknown {
		return UnarchiveResult{}, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("unsupported archive extension for %q", userPath))
	}

	base := archive.BaseName(userPath)
	destinationSupplied := destination != ""
	destVirtual := destination
	if !destinationSupplied {
		destVirtual = base
	}
	destHost, err := s.resolver.Resolve(destVirtual)
	if err != nil {
		return UnarchiveResult{}, err
	}

	entries, err := archive.ListEntries(hostArchive, format)
	if err != nil {
		return UnarchiveResult{}, err
	}
	stripPrefix, flattened := archive.PlanStrip(entries, base, destinationSupplied)

	results, err := archive.Extract(hostArchive, destHost, format, stripPrefix)
	if err != nil {
		return UnarchiveResult{}, err
	}

	entryResults := make([]MassEntryResult, 0, len(results))
	for _, r := range results {
		entryResults = append(entryResults, MassEntryResult{Path: r.Path, Status: r.Status, Error: r.Error})
	}

	return UnarchiveResult{
		Status:      "ok",
		Archive:     s.resolver.Virtualize(hostArchive),
		Destination: s.resolver.Virtualize(destHost),
		Flattened:   flattened,
		Results:     entryResults,
	}, nil
}

func classifyStatErr(op string, err error) error {
	if os.IsNotExist(err) {
		return agenterr.New(agenterr.KindNotFound, op, err)
	}
	return agenterr.New(agenterr.KindRuntimeFailed, op, err)
}
