// Package remotetest provides in-memory fakes of a remote connection: a
// scripted shell that understands virtual call invocations and an SFTP
// style file store.
package remotetest

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

type file struct {
	data    []byte
	mode    os.FileMode
	dir     bool
	modTime time.Time
	// dirMode is the parent directory's mode when the file was written.
	dirMode os.FileMode
}

// FS is an in-memory remote.FileTransfer. The root directory always exists.
type FS struct {
	mu     sync.Mutex
	files  map[string]*file
	closed bool
	// Reads counts ReadFile calls per path.
	reads map[string]int
}

func NewFS() *FS {
	return &FS{
		files: map[string]*file{"/": {dir: true, mode: fs.ModeDir | 0o755}},
		reads: make(map[string]int),
	}
}

func (f *FS) lookup(p string) (*file, error) {
	if f.closed {
		return nil, os.ErrClosed
	}
	entry, ok := f.files[path.Clean(p)]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	return entry, nil
}

func (f *FS) parentExists(p string) bool {
	parent, ok := f.files[path.Dir(path.Clean(p))]
	return ok && parent.dir
}

func (f *FS) ReadFile(p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[path.Clean(p)]++
	entry, err := f.lookup(p)
	if err != nil {
		return nil, err
	}
	if entry.dir {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrInvalid}
	}
	return bytes.Clone(entry.data), nil
}

func (f *FS) WriteFile(p string, data []byte, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	if !f.parentExists(p) {
		return &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	f.files[path.Clean(p)] = &file{
		data:    bytes.Clone(data),
		mode:    perm,
		modTime: time.Now(),
		dirMode: f.files[path.Dir(path.Clean(p))].mode,
	}
	return nil
}

// DirModeAtWrite returns the permissions the parent directory had when
// p was last written with WriteFile.
func (f *FS) DirModeAtWrite(p string) os.FileMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.files[path.Clean(p)]; ok {
		return entry.dirMode.Perm()
	}
	return 0
}

// Put writes a file, creating parent directories.
func (f *FS) Put(p string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(path.Dir(path.Clean(p)))
	f.files[path.Clean(p)] = &file{data: []byte(data), mode: 0o644, modTime: time.Now()}
}

// Append adds to a file as a running command would.
func (f *FS) Append(p string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.files[path.Clean(p)]
	if !ok {
		f.mkdirAllLocked(path.Dir(path.Clean(p)))
		entry = &file{mode: 0o644}
		f.files[path.Clean(p)] = entry
	}
	entry.data = append(entry.data, data...)
	entry.modTime = time.Now()
}

func (f *FS) mkdirAllLocked(dir string) {
	for d := dir; ; d = path.Dir(d) {
		if _, ok := f.files[d]; !ok {
			f.files[d] = &file{dir: true, mode: fs.ModeDir | 0o755}
		}
		if d == "/" || d == "." {
			return
		}
	}
}

func (f *FS) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path.Clean(p)]
	return ok
}

func (f *FS) Mode(p string) os.FileMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.files[path.Clean(p)]; ok {
		return entry.mode
	}
	return 0
}

func (f *FS) Content(p string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.files[path.Clean(p)]; ok {
		return string(entry.data)
	}
	return ""
}

// Glob lists files under dir whose base name starts with prefix.
func (f *FS) Glob(dir, prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p, entry := range f.files {
		if !entry.dir && path.Dir(p) == path.Clean(dir) && strings.HasPrefix(path.Base(p), prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (f *FS) ReadCount(p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[path.Clean(p)]
}

func (f *FS) Stat(p string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, err := f.lookup(p)
	if err != nil {
		return nil, err
	}
	return info{name: path.Base(path.Clean(p)), f: entry}, nil
}

func (f *FS) ReadDir(p string) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, err := f.lookup(p)
	if err != nil {
		return nil, err
	}
	if !entry.dir {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrInvalid}
	}
	dir := path.Clean(p)
	var out []os.FileInfo
	for child, e := range f.files {
		if child != dir && path.Dir(child) == dir {
			out = append(out, info{name: path.Base(child), f: e})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (f *FS) Mkdir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	if _, ok := f.files[path.Clean(p)]; ok {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if !f.parentExists(p) {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrNotExist}
	}
	f.files[path.Clean(p)] = &file{dir: true, mode: fs.ModeDir | 0o755, modTime: time.Now()}
	return nil
}

func (f *FS) RemoveDirectory(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, err := f.lookup(p)
	if err != nil {
		return err
	}
	if !entry.dir {
		return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrInvalid}
	}
	dir := path.Clean(p)
	for child := range f.files {
		if child != dir && path.Dir(child) == dir {
			return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrExist}
		}
	}
	delete(f.files, dir)
	return nil
}

func (f *FS) Remove(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, err := f.lookup(p)
	if err != nil {
		return err
	}
	if entry.dir {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrInvalid}
	}
	delete(f.files, path.Clean(p))
	return nil
}

// removeAll deletes p and, for a directory, everything below it.
func (f *FS) removeAll(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := path.Clean(p)
	if target == "/" {
		return
	}
	for name := range f.files {
		if name == target || strings.HasPrefix(name, target+"/") {
			delete(f.files, name)
		}
	}
}

func (f *FS) Rename(oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, err := f.lookup(oldPath)
	if err != nil {
		return err
	}
	if _, ok := f.files[path.Clean(newPath)]; ok {
		return &fs.PathError{Op: "rename", Path: newPath, Err: fs.ErrExist}
	}
	if !f.parentExists(newPath) {
		return &fs.PathError{Op: "rename", Path: newPath, Err: fs.ErrNotExist}
	}
	delete(f.files, path.Clean(oldPath))
	f.files[path.Clean(newPath)] = entry
	return nil
}

func (f *FS) Chmod(p string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, err := f.lookup(p)
	if err != nil {
		return err
	}
	entry.mode = entry.mode&os.ModeDir | mode.Perm()
	return nil
}

func (f *FS) Open(p string) (io.ReadCloser, error) {
	data, err := f.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *FS) Create(p string) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, os.ErrClosed
	}
	if !f.parentExists(p) {
		return nil, &fs.PathError{Op: "create", Path: p, Err: fs.ErrNotExist}
	}
	entry := &file{mode: 0o644, modTime: time.Now()}
	f.files[path.Clean(p)] = entry
	return &writer{fs: f, entry: entry}, nil
}

func (f *FS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FS) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type writer struct {
	fs    *FS
	entry *file
}

func (w *writer) Write(p []byte) (int, error) {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.entry.data = append(w.entry.data, p...)
	return len(p), nil
}

func (w *writer) Close() error { return nil }

type info struct {
	name string
	f    *file
}

func (i info) Name() string       { return i.name }
func (i info) Size() int64        { return int64(len(i.f.data)) }
func (i info) Mode() os.FileMode  { return i.f.mode }
func (i info) ModTime() time.Time { return i.f.modTime }
func (i info) IsDir() bool        { return i.f.dir }
func (i info) Sys() any           { return nil }
