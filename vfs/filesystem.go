package vfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FileSystem is the narrow capability interface every I/O operation in
// the engine goes through, keeping filesystem side effects behind a seam
// that tests can swap out. OSFileSystem is the production
// implementation; MemFileSystem (memfs.go) is the deterministic test double.
type FileSystem interface {
	Root() Path

	// AbsPath returns the real on-disk (or synthetic, for test doubles)
	// location of p, for the few callers (process spawning chief among
	// them) that must hand a filesystem a path outside the Path/FileSystem
	// seam itself.
	AbsPath(p Path) string

	Exists(p Path) bool
	IsDirectory(p Path, followSymlinks bool) bool
	CreateDirectoryAndParents(p Path) error
	CreateSymbolicLink(p Path, target string) error
	ResolveSymbolicLinks(p Path) (Path, error)
	Delete(p Path) error
	DeleteTree(p Path) error
	SetWritable(p Path, writable bool) error
	GetDirectoryEntries(p Path) ([]string, error)
	ReadContent(p Path) ([]byte, error)
	Write(p Path, data []byte, executable bool) error
}

// OSFileSystem implements FileSystem against the real operating system,
// rooted at a directory (typically an exec root).
type OSFileSystem struct {
	root string
}

// NewOSFileSystem returns a FileSystem rooted at root. root must be absolute.
func NewOSFileSystem(root string) *OSFileSystem {
	return &OSFileSystem{root: filepath.Clean(root)}
}

func (o *OSFileSystem) abs(p Path) string {
	return filepath.Join(o.root, filepath.FromSlash(p.rel))
}

func (o *OSFileSystem) Root() Path { return NewPath(o, "") }

func (o *OSFileSystem) AbsPath(p Path) string { return o.abs(p) }

func (o *OSFileSystem) Exists(p Path) bool {
	_, err := os.Lstat(o.abs(p))
	return err == nil
}

func (o *OSFileSystem) IsDirectory(p Path, followSymlinks bool) bool {
	var info os.FileInfo
	var err error
	if followSymlinks {
		info, err = os.Stat(o.abs(p))
	} else {
		info, err = os.Lstat(o.abs(p))
	}
	return err == nil && info.IsDir()
}

func (o *OSFileSystem) CreateDirectoryAndParents(p Path) error {
	return os.MkdirAll(o.abs(p), 0o755)
}

func (o *OSFileSystem) CreateSymbolicLink(p Path, target string) error {
	_ = os.Remove(o.abs(p))
	return os.Symlink(target, o.abs(p))
}

func (o *OSFileSystem) ResolveSymbolicLinks(p Path) (Path, error) {
	real, err := filepath.EvalSymlinks(o.abs(p))
	if err != nil {
		return Path{}, err
	}
	rel, err := filepath.Rel(o.root, real)
	if err != nil {
		return Path{}, err
	}
	return NewPath(o, rel), nil
}

func (o *OSFileSystem) Delete(p Path) error {
	err := os.Remove(o.abs(p))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteTree recursively removes p. Callers that intend to clear action
// outputs MUST first confirm p lies under the output root; this method
// itself performs no such guard since the scheduler's prepareOutputs step
// is the one place that invariant is required to hold.
func (o *OSFileSystem) DeleteTree(p Path) error {
	return os.RemoveAll(o.abs(p))
}

func (o *OSFileSystem) SetWritable(p Path, writable bool) error {
	info, err := os.Lstat(o.abs(p))
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if writable {
		mode |= 0o200
	} else {
		mode &^= 0o222
	}
	return os.Chmod(o.abs(p), mode)
}

func (o *OSFileSystem) GetDirectoryEntries(p Path) ([]string, error) {
	entries, err := os.ReadDir(o.abs(p))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (o *OSFileSystem) ReadContent(p Path) ([]byte, error) {
	return os.ReadFile(o.abs(p))
}

func (o *OSFileSystem) Write(p Path, data []byte, executable bool) error {
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.MkdirAll(filepath.Dir(o.abs(p)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(o.abs(p), data, mode)
}

var _ fs.StatFS = (*statAdapter)(nil)

// statAdapter lets callers that want a stdlib fs.FS (e.g. an embed-backed
// default config) layer over an OSFileSystem root without a second
// filepath.Join bookkeeping scheme.
type statAdapter struct {
	o *OSFileSystem
}

func (s *statAdapter) Open(name string) (fs.File, error) {
	return os.Open(filepath.Join(s.o.root, name))
}

func (s *statAdapter) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(filepath.Join(s.o.root, name))
}

func (o *OSFileSystem) StatFS() fs.StatFS { return &statAdapter{o: o} }
