package geoingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/zip"
)

// extractSeq makes extracted member names unique within the process.
var extractSeq atomic.Uint64

// Member is one entry of an extracted archive.
type Member struct {
	Name  string // entry name inside the archive
	Path  string // extracted location, empty for directories
	Ext   string // lowercase extension of Name, including the dot
	IsDir bool
}

// BaseName returns the entry's file name without directory or extension.
func (m Member) BaseName() string {
	base := path.Base(m.Name)
	return strings.TrimSuffix(base, path.Ext(base))
}

// ArchiveWorkspace is a temporary directory owned by one validation attempt.
//
// Extracted files are renamed to <archive-basename><suffix><ext>, where the
// suffix is unique per process, so repeated runs against the same root never
// collide. Extensions are lowercased on the way out. Close removes the
// directory and everything in it.
type ArchiveWorkspace struct {
	dir     string
	members []Member

	mu     sync.Mutex
	closed bool
}

// NewArchiveWorkspace creates a fresh workspace directory under root. An
// empty root uses os.TempDir.
func NewArchiveWorkspace(root string) (*ArchiveWorkspace, error) {
	dir, err := os.MkdirTemp(root, "geoingest-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &ArchiveWorkspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *ArchiveWorkspace) Dir() string {
	return w.dir
}

// Members returns the members extracted so far.
func (w *ArchiveWorkspace) Members() []Member {
	return w.members
}

// archiveEntry is one member of a zip or 7z archive.
type archiveEntry struct {
	name  string // slash-separated
	isDir bool
	open  func() (io.ReadCloser, error)
}

// Extract unpacks a zip or 7z archive into the workspace.
//
// Directory entries, including directories implied by nested file names, are
// returned as members with IsDir set but are not created on disk; every file
// lands flat in the workspace under its renamed form.
func (w *ArchiveWorkspace) Extract(archivePath string) ([]Member, error) {
	if IsSevenZip(archivePath) {
		r, err := sevenzip.OpenReader(archivePath)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		defer r.Close()

		entries := make([]archiveEntry, 0, len(r.File))
		for _, f := range r.File {
			entries = append(entries, archiveEntry{
				name:  strings.ReplaceAll(f.Name, `\`, "/"),
				isDir: f.FileInfo().IsDir(),
				open:  f.Open,
			})
		}
		return w.extract(archivePath, entries)
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	entries := make([]archiveEntry, 0, len(r.File))
	for _, f := range r.File {
		entries = append(entries, archiveEntry{
			name:  f.Name,
			isDir: f.FileInfo().IsDir(),
			open:  f.Open,
		})
	}
	return w.extract(archivePath, entries)
}

func (w *ArchiveWorkspace) extract(archivePath string, entries []archiveEntry) ([]Member, error) {
	prefix := archiveBaseName(archivePath)
	seenDirs := make(map[string]bool)

	for _, e := range entries {
		// Check for zip slip
		target := filepath.Join(w.dir, filepath.FromSlash(e.name))
		if !strings.HasPrefix(target, filepath.Clean(w.dir)+string(os.PathSeparator)) {
			return nil, fmt.Errorf("invalid archive entry: %s", e.name)
		}

		name := strings.TrimSuffix(e.name, "/")
		if dir := path.Dir(name); dir != "." && !seenDirs[dir] {
			seenDirs[dir] = true
			w.members = append(w.members, Member{Name: dir, IsDir: true})
		}

		if e.isDir {
			if !seenDirs[name] {
				seenDirs[name] = true
				w.members = append(w.members, Member{Name: name, IsDir: true})
			}
			continue
		}

		ext := strings.ToLower(path.Ext(name))
		dest := filepath.Join(w.dir, prefix+uniqueSuffix()+ext)
		if err := extractFile(e.open, dest); err != nil {
			return nil, fmt.Errorf("extract %s: %w", e.name, err)
		}

		w.members = append(w.members, Member{Name: name, Path: dest, Ext: ext})
	}

	return w.members, nil
}

func extractFile(open func() (io.ReadCloser, error), dest string) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// Repackage renames every extracted file to canonicalName plus its
// extension and zips them into destDir/canonicalName.zip. It returns the
// path of the new archive.
//
// Only the first member with a given extension takes the canonical name.
// Later ones keep their original file name, and a member whose name is still
// taken stays out of the archive.
func (w *ArchiveWorkspace) Repackage(canonicalName, destDir string) (string, error) {
	if canonicalName == "" || strings.ContainsAny(canonicalName, `/\`) {
		return "", fmt.Errorf("repackage: invalid name %q", canonicalName)
	}

	taken := map[string]bool{
		canonicalName + ".zip": filepath.Clean(destDir) == filepath.Clean(w.dir),
	}
	var packed []string
	for i, m := range w.members {
		if m.IsDir {
			continue
		}
		name := canonicalName + m.Ext
		if taken[name] {
			name = path.Base(m.Name)
		}
		if taken[name] {
			continue
		}
		taken[name] = true

		renamed := filepath.Join(w.dir, name)
		if renamed != m.Path {
			if err := os.Rename(m.Path, renamed); err != nil {
				return "", fmt.Errorf("repackage: rename %s: %w", m.Name, err)
			}
			w.members[i].Path = renamed
		}
		packed = append(packed, renamed)
	}

	zipPath := filepath.Join(destDir, canonicalName+".zip")
	out, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("repackage: create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	for _, p := range packed {
		if err := addToZip(zw, p); err != nil {
			zw.Close()
			out.Close()
			return "", fmt.Errorf("repackage: add %s: %w", filepath.Base(p), err)
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return "", fmt.Errorf("repackage: finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("repackage: close archive: %w", err)
	}

	return zipPath, nil
}

func addToZip(zw *zip.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dst, err := zw.CreateHeader(&zip.FileHeader{
		Name:     filepath.Base(src),
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, in)
	return err
}

// Close removes the workspace. It is safe to call more than once and does not
// fail when the directory was already removed.
func (w *ArchiveWorkspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := os.RemoveAll(w.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

func archiveBaseName(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func uniqueSuffix() string {
	return fmt.Sprintf("%s%04d", time.Now().UTC().Format("0102150405"), extractSeq.Add(1))
}
