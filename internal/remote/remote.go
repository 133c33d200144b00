// Package remote wraps one authenticated remote login: a single
// interactive shell stream and a single SFTP channel over the same
// SSH connection.
package remote

import (
	"context"
	"io"
	"os"
)

type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one authenticated connection. Each Conn hands out at most one
// shell and one file-transfer channel.
type Conn interface {
	OpenShell(pty PTYConfig) (Shell, error)
	OpenFileTransfer() (FileTransfer, error)
	// Wait blocks until the underlying transport closes.
	Wait() error
	Close() error
}

// Shell is a raw interactive terminal stream.
type Shell interface {
	io.Writer
	Output() io.Reader
	Resize(rows, cols int) error
	Close() error
}

// FileTransfer is the companion channel used to stage scripts and
// collect command output.
type FileTransfer interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Mkdir(path string) error
	RemoveDirectory(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Chmod(path string, mode os.FileMode) error
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Close() error
}
