// Package archive implements the zip/tar.gz/rar codecs used by C8's mass
// archive and unarchive operations (spec.md §4.8), plus the unarchive
// flatten heuristic.
//
// The teacher has no file-manager analog; this package is new, grounded
// in the "resolve -> act -> typed error" shape used throughout the
// teacher's executor package, using the third-party codecs pulled in by
// the rest of the example pack: github.com/klauspost/compress/gzip for
// tar.gz (a drop-in, faster compress/gzip used elsewhere in the pack for
// large-payload decompression) and github.com/nwaples/rardecode/v2 for
// rar, which has no standard-library equivalent.
package archive

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/nwaples/rardecode/v2"

	"hightide/internal/agenterr"
)

// Format identifies an archive codec by its file extension.
type Format int

const (
	FormatZip Format = iota
	FormatTarGz
	FormatRar
	FormatUnknown
)

// DetectFormat classifies name by extension.
func DetectFormat(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(lower, ".rar"):
		return FormatRar
	default:
		return FormatUnknown
	}
}

// BaseName strips a recognized archive extension from name, for deriving
// the default unarchive destination and the flatten heuristic's expected
// top-level directory name (spec.md §4.8).
func BaseName(name string) string {
	base := filepath.Base(name)
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"):
		return base[:len(base)-len(".tar.gz")]
	case strings.HasSuffix(lower, ".tgz"):
		return base[:len(base)-len(".tgz")]
	case strings.HasSuffix(lower, ".zip"), strings.HasSuffix(lower, ".rar"):
		return base[:len(base)-4]
	default:
		return base
	}
}

// Entry is one extracted (or to-be-extracted) archive member.
type Entry struct {
	Name  string // archive-relative, slash-separated, as stored
	IsDir bool
}

// Result records the outcome of extracting one entry.
type Result struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ListEntries returns every member name of the archive at hostPath,
// without extracting content — used to run the flatten heuristic before
// committing to an extraction plan.
func ListEntries(hostPath string, format Format) ([]Entry, error) {
	const op = "archive.ListEntries"
	switch format {
	case FormatZip:
		r, err := zip.OpenReader(hostPath)
		if err != nil {
			return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
		}
		defer r.Close()
		entries := make([]Entry, 0, len(r.File))
		for _, f := range r.File {
			entries = append(entries, Entry{Name: f.Name, IsDir: f.FileInfo().IsDir()})
		}
		return entries, nil

	case FormatTarGz:
		f, err := os.Open(hostPath)
		if err != nil {
			return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
		}
		defer gz.Close()
		tr := tar.NewReader(gz)
		var entries []Entry
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
			}
			entries = append(entries, Entry{Name: hdr.Name, IsDir: hdr.Typeflag == tar.TypeDir})
		}
		return entries, nil

	case FormatRar:
		rc, err := rardecode.OpenReader(hostPath)
		if err != nil {
			return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
		}
		defer rc.Close()
		var entries []Entry
		for {
			hdr, err := rc.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
			}
			entries = append(entries, Entry{Name: hdr.Name, IsDir: hdr.IsDir})
		}
		return entries, nil

	default:
		return nil, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("unsupported archive format"))
	}
}

// PlanStrip implements the unarchive flatten heuristic (spec.md §4.8): if
// the caller supplied a destination, and every entry is either the single
// top-level directory T or lies within T/, and T equals the archive's
// derived base name, the top-level component is stripped on extraction.
func PlanStrip(entries []Entry, archiveBase string, destinationSupplied bool) (stripPrefix string, flattened bool) {
	if !destinationSupplied || len(entries) == 0 {
		return "", false
	}

	var top string
	for _, e := range entries {
		name := strings.Trim(e.Name, "/")
		if name == "" {
			continue
		}
		first := name
		if idx := strings.IndexByte(name, '/'); idx >= 0 {
			first = name[:idx]
		}
		if top == "" {
			top = first
		} else if top != first {
			return "", false
		}
	}

	if top == "" || top != archiveBase {
		return "", false
	}
	return top + "/", true
}

// Extract extracts the archive at hostPath into destHost, stripping
// stripPrefix from every entry name. Every extracted destination is
// sanitized against escaping destHost (zip-slip defense); an escaping
// entry is recorded as a per-entry failure rather than aborting the whole
// extraction, mirroring C8's per-entry results contract.
func Extract(hostPath string, destHost string, format Format, stripPrefix string) ([]Result, error) {
	const op = "archive.Extract"

	if err := os.MkdirAll(destHost, 0755); err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}

	switch format {
	case FormatZip:
		return extractZip(hostPath, destHost, stripPrefix)
	case FormatTarGz:
		return extractTarGz(hostPath, destHost, stripPrefix)
	case FormatRar:
		return extractRar(hostPath, destHost, stripPrefix)
	default:
		return nil, agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("unsupported archive format"))
	}
}

func extractZip(hostPath, destHost, stripPrefix string) ([]Result, error) {
	const op = "archive.extractZip"
	r, err := zip.OpenReader(hostPath)
	if err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	defer r.Close()

	results := make([]Result, 0, len(r.File))
	for _, f := range r.File {
		name, ok := stripAndSanitize(f.Name, stripPrefix)
		if !ok || name == "" {
			continue
		}
		dest, escaped := safeJoin(destHost, name)
		if escaped {
			results = append(results, Result{Path: name, Status: "failed", Error: "path escapes destination"})
			continue
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				results = append(results, Result{Path: name, Status: "failed", Error: err.Error()})
			} else {
				results = append(results, Result{Path: name, Status: "ok"})
			}
			continue
		}
		if err := extractZipFile(f, dest); err != nil {
			results = append(results, Result{Path: name, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, Result{Path: name, Status: "ok"})
	}
	return results, nil
}

func extractZipFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func extractTarGz(hostPath, destHost, stripPrefix string) ([]Result, error) {
	const op = "archive.extractTarGz"
	f, err := os.Open(hostPath)
	if err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var results []Result
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return results, agenterr.New(agenterr.KindRuntimeFailed, op, err)
		}

		name, ok := stripAndSanitize(hdr.Name, stripPrefix)
		if !ok || name == "" {
			continue
		}
		dest, escaped := safeJoin(destHost, name)
		if escaped {
			results = append(results, Result{Path: name, Status: "failed", Error: "path escapes destination"})
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				results = append(results, Result{Path: name, Status: "failed", Error: err.Error()})
			} else {
				results = append(results, Result{Path: name, Status: "ok"})
			}
		case tar.TypeReg:
			if err := writeExtractedFile(dest, tr); err != nil {
				results = append(results, Result{Path: name, Status: "failed", Error: err.Error()})
			} else {
				results = append(results, Result{Path: name, Status: "ok"})
			}
		default:
			// symlinks/hardlinks/devices are not extracted inside the sandbox.
		}
	}
	return results, nil
}

func extractRar(hostPath, destHost, stripPrefix string) ([]Result, error) {
	const op = "archive.extractRar"
	rc, err := rardecode.OpenReader(hostPath)
	if err != nil {
		return nil, agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	defer rc.Close()

	var results []Result
	for {
		hdr, err := rc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return results, agenterr.New(agenterr.KindRuntimeFailed, op, err)
		}

		name, ok := stripAndSanitize(hdr.Name, stripPrefix)
		if !ok || name == "" {
			continue
		}
		dest, escaped := safeJoin(destHost, name)
		if escaped {
			results = append(results, Result{Path: name, Status: "failed", Error: "path escapes destination"})
			continue
		}

		if hdr.IsDir {
			if err := os.MkdirAll(dest, 0755); err != nil {
				results = append(results, Result{Path: name, Status: "failed", Error: err.Error()})
			} else {
				results = append(results, Result{Path: name, Status: "ok"})
			}
			continue
		}
		if err := writeExtractedFile(dest, rc); err != nil {
			results = append(results, Result{Path: name, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, Result{Path: name, Status: "ok"})
	}
	return results, nil
}

func writeExtractedFile(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, r)
	return err
}

// stripAndSanitize strips stripPrefix from name (if present), drops any
// leading slash, and normalizes to a slash-separated relative name. ok is
// false if the entry should be skipped (it was the flattened-away
// top-level directory itself, is empty, or has a "." segment). ".."
// segments are kept so that safeJoin reports the entry as escaping.
func stripAndSanitize(name, stripPrefix string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "/")
	if stripPrefix != "" {
		if name == strings.TrimSuffix(stripPrefix, "/") {
			return "", false
		}
		name = strings.TrimPrefix(name, stripPrefix)
	}
	name = strings.Trim(name, "/")
	if name == "" {
		return "", false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "." {
			return "", false
		}
	}
	return name, true
}

// safeJoin joins rel onto root and reports whether rel has a ".." segment
// or the cleaned result escapes root (zip-slip defense, spec.md §4.8
// "rejected if its canonical destination would escape the sandbox").
func safeJoin(root, rel string) (string, bool) {
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", true
		}
	}
	joined := filepath.Join(root, filepath.FromSlash(rel))
	clean := filepath.Clean(joined)
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if clean != root && !strings.HasPrefix(clean, prefix) {
		return "", true
	}
	return clean, false
}

// CreateZip writes a zip archive at destZipHost containing every host path
// in members, stored under the slash-separated name returned by
// nameFor(member) — used by C8's mass "archive" action.
func CreateZip(destZipHost string, members []string, nameFor func(hostPath string) string) error {
	const op = "archive.CreateZip"

	if err := os.MkdirAll(filepath.Dir(destZipHost), 0755); err != nil {
		return agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	out, err := os.OpenFile(destZipHost, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return agenterr.New(agenterr.KindRuntimeFailed, op, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()
	// Deflate entries with klauspost's flate instead of stdlib's.
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	sorted := append([]string(nil), members...)
	sort.Strings(sorted)

	for _, member := range sorted {
		if err := addToZip(zw, member, nameFor(member)); err != nil {
			return agenterr.New(agenterr.KindRuntimeFailed, op, err)
		}
	}
	return nil
}

func addToZip(zw *zip.Writer, hostPath, zipName string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return filepath.Walk(hostPath, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(hostPath, p)
			if err != nil {
				return err
			}
			entryName := path.Join(zipName, filepath.ToSlash(rel))
			if fi.IsDir() {
				if entryName != "" && entryName != "." {
					_, err := zw.Create(entryName + "/")
					return err
				}
				return nil
			}
			return copyFileIntoZip(zw, p, entryName)
		})
	}
	return copyFileIntoZip(zw, hostPath, zipName)
}

func copyFileIntoZip(zw *zip.Writer, hostPath, zipName string) error {
	hdr := &zip.FileHeader{Name: zipName, Method: zip.Deflate}
	hdr.Modified = time.Now()
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
