package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MemFS is an in-memory FS, used by tests that need to exercise flush,
// compaction, and restart-replay without touching the real filesystem —
// notably the restart-neutrality property in spec.md §8, where the test
// needs to "reopen" the same bytes deterministically.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFileData
}

// NewMem returns a new, empty in-memory filesystem.
func NewMem() *MemFS {
	return &MemFS{files: make(map[string]*memFileData)}
}

type memFileData struct {
	mu       sync.Mutex
	data     []byte
	modTime  time.Time
	isDir    bool
	children map[string]bool
}

func clean(name string) string {
	return filepath.Clean(filepath.ToSlash(name))
}

func (fs *MemFS) Create(name string) (File, error) {
	name = clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := &memFileData{modTime: time.Now()}
	fs.files[name] = f
	fs.linkParents(name)
	return &memFile{name: name, fs: fs, f: f}, nil
}

func (fs *MemFS) Open(name string) (File, error) {
	name = clean(name)
	fs.mu.Lock()
	f, ok := fs.files[name]
	fs.mu.Unlock()
	if !ok || f.isDir {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memFile{name: name, fs: fs, f: f}, nil
}

func (fs *MemFS) OpenDir(name string) (File, error) {
	name = clean(name)
	fs.mu.Lock()
	f, ok := fs.files[name]
	fs.mu.Unlock()
	if !ok || !f.isDir {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memFile{name: name, fs: fs, f: f}, nil
}

func (fs *MemFS) Remove(name string) error {
	name = clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(fs.files, name)
	if parent, ok := fs.files[filepath.Dir(name)]; ok && parent.children != nil {
		delete(parent.children, filepath.Base(name))
	}
	return nil
}

func (fs *MemFS) Rename(oldname, newname string) error {
	oldname, newname = clean(oldname), clean(newname)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[oldname]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	delete(fs.files, oldname)
	if parent, ok := fs.files[filepath.Dir(oldname)]; ok && parent.children != nil {
		delete(parent.children, filepath.Base(oldname))
	}
	fs.files[newname] = f
	fs.linkParentsLocked(newname)
	return nil
}

func (fs *MemFS) MkdirAll(dir string) error {
	dir = clean(dir)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for d := dir; d != "." && d != "/"; d = filepath.Dir(d) {
		if _, ok := fs.files[d]; !ok {
			fs.files[d] = &memFileData{isDir: true, children: map[string]bool{}, modTime: time.Now()}
		}
	}
	fs.linkParentsLocked(dir)
	return nil
}

func (fs *MemFS) linkParents(name string) {
	fs.linkParentsLocked(name)
}

func (fs *MemFS) linkParentsLocked(name string) {
	dir := filepath.Dir(name)
	if dir == "." || dir == "/" || dir == name {
		return
	}
	parent, ok := fs.files[dir]
	if !ok {
		parent = &memFileData{isDir: true, children: map[string]bool{}, modTime: time.Now()}
		fs.files[dir] = parent
	}
	if parent.children == nil {
		parent.children = map[string]bool{}
	}
	parent.children[filepath.Base(name)] = true
	fs.linkParentsLocked(dir)
}

func (fs *MemFS) List(dir string) ([]string, error) {
	dir = clean(dir)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent, ok := fs.files[dir]
	if !ok || !parent.isDir {
		if dir == "." {
			// treat repo root as always present
		} else {
			return nil, &os.PathError{Op: "list", Path: dir, Err: os.ErrNotExist}
		}
	}
	var names []string
	if parent != nil {
		for name := range parent.children {
			names = append(names, name)
		}
	}
	return names, nil
}

func (fs *MemFS) Stat(name string) (os.FileInfo, error) {
	name = clean(name)
	fs.mu.Lock()
	f, ok := fs.files[name]
	fs.mu.Unlock()
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	return memFileInfo{name: filepath.Base(name), f: f}, nil
}

func (fs *MemFS) PathJoin(elem ...string) string {
	return filepath.Join(elem...)
}

type memFile struct {
	name string
	fs   *MemFS
	f    *memFileData
	rpos int
}

func (f *memFile) Close() error { return nil }

func (f *memFile) Read(p []byte) (int, error) {
	f.f.mu.Lock()
	defer f.f.mu.Unlock()
	if f.rpos >= len(f.f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.f.data[f.rpos:])
	f.rpos += n
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.f.mu.Lock()
	defer f.f.mu.Unlock()
	if off >= int64(len(f.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	f.f.mu.Lock()
	defer f.f.mu.Unlock()
	f.f.data = append(f.f.data, p...)
	f.f.modTime = time.Now()
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	return memFileInfo{name: filepath.Base(f.name), f: f.f}, nil
}

func (f *memFile) Sync() error { return nil }

type memFileInfo struct {
	name string
	f    *memFileData
}

func (fi memFileInfo) Name() string       { return fi.name }
func (fi memFileInfo) Size() int64        { fi.f.mu.Lock(); defer fi.f.mu.Unlock(); return int64(len(fi.f.data)) }
func (fi memFileInfo) Mode() os.FileMode {
	if fi.f.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}
func (fi memFileInfo) ModTime() time.Time { return fi.f.modTime }
func (fi memFileInfo) IsDir() bool        { return fi.f.isDir }
func (fi memFileInfo) Sys() interface{}   { return nil }

var _ FS = (*MemFS)(nil)
var _ File = (*memFile)(nil)
