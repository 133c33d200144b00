// Package files implements one-shot file operations over a session's
// file-transfer channel.
package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/EternisAI/shellmux/internal/remote"
)

const (
	DefaultMaxReadSize = 1 << 20
	maxCopyDepth       = 32
)

var (
	ErrTooLarge     = errors.New("file too large")
	ErrInvalidPath  = errors.New("invalid path")
	ErrIsDirectory  = errors.New("is a directory")
	ErrCopyIntoSelf = errors.New("cannot copy a directory into itself")
)

type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

type Content struct {
	Path   string `json:"path"`
	Data   string `json:"data"`
	Size   int64  `json:"size"`
	Binary bool   `json:"binary"`
}

// Clean makes p absolute and normalised. Relative paths are rejected so
// callers never depend on the remote working directory.
func Clean(p string) (string, error) {
	if p == "" || !path.IsAbs(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return path.Clean(p), nil
}

func toEntry(dir string, fi fs.FileInfo) Entry {
	return Entry{
		Name:    fi.Name(),
		Path:    path.Join(dir, fi.Name()),
		Size:    fi.Size(),
		Mode:    fi.Mode().String(),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
	}
}

// List returns the directory entries, directories first, then by name.
func List(t remote.FileTransfer, dir string) ([]Entry, error) {
	dir, err := Clean(dir)
	if err != nil {
		return nil, err
	}
	infos, err := t.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, toEntry(dir, fi))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Read returns a file's contents. Files larger than maxSize are refused;
// non-UTF-8 content is flagged binary and not returned.
func Read(t remote.FileTransfer, p string, maxSize int64) (Content, error) {
	p, err := Clean(p)
	if err != nil {
		return Content{}, err
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxReadSize
	}
	fi, err := t.Stat(p)
	if err != nil {
		return Content{}, fmt.Errorf("stat %s: %w", p, err)
	}
	if fi.IsDir() {
		return Content{}, fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}
	if fi.Size() > maxSize {
		return Content{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, p, fi.Size())
	}
	data, err := t.ReadFile(p)
	if err != nil {
		return Content{}, fmt.Errorf("read %s: %w", p, err)
	}
	if !utf8.Valid(data) {
		return Content{Path: p, Size: int64(len(data)), Binary: true}, nil
	}
	return Content{Path: p, Data: string(data), Size: int64(len(data))}, nil
}

func Write(t remote.FileTransfer, p string, data []byte, perm fs.FileMode) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	if err := t.WriteFile(p, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func Mkdir(t remote.FileTransfer, p string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if err := t.Mkdir(p); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// Rmdir removes an empty directory.
func Rmdir(t remote.FileTransfer, p string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: refusing to remove /", ErrInvalidPath)
	}
	if err := t.RemoveDirectory(p); err != nil {
		return fmt.Errorf("rmdir %s: %w", p, err)
	}
	return nil
}

func Delete(t remote.FileTransfer, p string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if err := t.Remove(p); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func Rename(t remote.FileTransfer, from, to string) error {
	from, err := Clean(from)
	if err != nil {
		return err
	}
	to, err = Clean(to)
	if err != nil {
		return err
	}
	if err := t.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	return nil
}

// Copy duplicates a file or, recursively, a directory. Permissions are
// carried over; ownership and timestamps are not.
func Copy(t remote.FileTransfer, from, to string) error {
	from, err := Clean(from)
	if err != nil {
		return err
	}
	to, err = Clean(to)
	if err != nil {
		return err
	}
	if to == from || len(to) > len(from) && to[:len(from)+1] == from+"/" {
		return fmt.Errorf("%w: %s -> %s", ErrCopyIntoSelf, from, to)
	}
	return copyTree(t, from, to, 0)
}

func copyTree(t remote.FileTransfer, from, to string, depth int) error {
	if depth > maxCopyDepth {
		return fmt.Errorf("copy %s: directory tree too deep", from)
	}
	fi, err := t.Stat(from)
	if err != nil {
		return fmt.Errorf("stat %s: %w", from, err)
	}
	if !fi.IsDir() {
		return copyFile(t, from, to, fi.Mode().Perm())
	}

	if err := t.Mkdir(to); err != nil {
		return fmt.Errorf("mkdir %s: %w", to, err)
	}
	infos, err := t.ReadDir(from)
	if err != nil {
		return fmt.Errorf("list %s: %w", from, err)
	}
	for _, child := range infos {
		if err := copyTree(t, path.Join(from, child.Name()), path.Join(to, child.Name()), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(t remote.FileTransfer, from, to string, perm fs.FileMode) error {
	src, err := t.Open(from)
	if err != nil {
		return fmt.Errorf("open %s: %w", from, err)
	}
	defer src.Close()

	dst, err := t.Create(to)
	if err != nil {
		return fmt.Errorf("create %s: %w", to, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy %s: %w", from, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", to, err)
	}
	if err := t.Chmod(to, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", to, err)
	}
	return nil
}
