package files

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/shellmux/internal/remote/remotetest"
)

func seeded() *remotetest.FS {
	fs := remotetest.NewFS()
	fs.Put("/srv/app/config.yaml", "port: 8080\n")
	fs.Put("/srv/app/bin/run.sh", "#!/bin/sh\n")
	fs.Put("/srv/readme.txt", "hello")
	return fs
}

func TestClean(t *testing.T) {
	p, err := Clean("/srv/app/../app/./config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/srv/app/config.yaml", p)

	for _, bad := range []string{"", "srv/app", "./x"} {
		_, err := Clean(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestList(t *testing.T) {
	fs := seeded()

	entries, err := List(fs, "/srv")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "app", entries[0].Name)
	assert.True(t, entries[0].IsDir, "directories first")
	assert.Equal(t, Entry{Name: "readme.txt", Path: "/srv/readme.txt", Size: 5, Mode: entries[1].Mode, ModTime: entries[1].ModTime}, entries[1])

	_, err = List(fs, "/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRead(t *testing.T) {
	fs := seeded()
	fs.Put("/srv/blob.bin", "\xff\xfe\x00")

	c, err := Read(fs, "/srv/app/config.yaml", 0)
	require.NoError(t, err)
	assert.Equal(t, Content{Path: "/srv/app/config.yaml", Data: "port: 8080\n", Size: 11}, c)

	c, err = Read(fs, "/srv/blob.bin", 0)
	require.NoError(t, err)
	assert.True(t, c.Binary)
	assert.Empty(t, c.Data)

	_, err = Read(fs, "/srv/app/config.yaml", 4)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Read(fs, "/srv/app", 0)
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestWriteMkdirRenameDelete(t *testing.T) {
	fs := seeded()

	require.NoError(t, Mkdir(fs, "/srv/new"))
	require.NoError(t, Write(fs, "/srv/new/a.txt", []byte("A"), 0))
	assert.Equal(t, os.FileMode(0o644), fs.Mode("/srv/new/a.txt"))

	require.NoError(t, Rename(fs, "/srv/new/a.txt", "/srv/new/b.txt"))
	assert.False(t, fs.Exists("/srv/new/a.txt"))
	assert.Equal(t, "A", fs.Content("/srv/new/b.txt"))

	require.NoError(t, Delete(fs, "/srv/new/b.txt"))
	require.NoError(t, Rmdir(fs, "/srv/new"))
	assert.False(t, fs.Exists("/srv/new"))

	assert.ErrorIs(t, Rmdir(fs, "/"), ErrInvalidPath)
	assert.Error(t, Delete(fs, "/srv/nope"))
}

func TestCopy(t *testing.T) {
	fs := seeded()
	require.NoError(t, fs.WriteFile("/srv/app/bin/run.sh", []byte("#!/bin/sh\n"), 0o755))

	require.NoError(t, Copy(fs, "/srv/app", "/srv/app-backup"))
	assert.Equal(t, "port: 8080\n", fs.Content("/srv/app-backup/config.yaml"))
	assert.Equal(t, "#!/bin/sh\n", fs.Content("/srv/app-backup/bin/run.sh"))
	assert.Equal(t, os.FileMode(0o755), fs.Mode("/srv/app-backup/bin/run.sh"))

	require.NoError(t, Copy(fs, "/srv/readme.txt", "/srv/readme.copy"))
	assert.Equal(t, "hello", fs.Content("/srv/readme.copy"))

	assert.ErrorIs(t, Copy(fs, "/srv/app", "/srv/app/nested"), ErrCopyIntoSelf)
	assert.ErrorIs(t, Copy(fs, "/srv/app", "/srv/app"), ErrCopyIntoSelf)
	assert.NoError(t, Copy(fs, "/srv/app", "/srv/application"), "sibling with a shared prefix is fine")
}

func TestLinkSigner(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewLinkSigner("s3cret", time.Minute)
	s.now = func() time.Time { return now }

	token, expires, err := s.Sign("sess-1", "/var/log/syslog")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), expires)

	sid, path, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)
	assert.Equal(t, "/var/log/syslog", path)

	other := NewLinkSigner("different", time.Minute)
	other.now = s.now
	_, _, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidLink)

	now = now.Add(2 * time.Minute)
	_, _, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidLink, "expired")

	_, _, err = s.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidLink)

	_, _, err = NewLinkSigner("", 0).Sign("x", "/y")
	assert.Error(t, err)
}
