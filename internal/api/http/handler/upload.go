package handler

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/shellmux/internal/api/http/dto"
	"github.com/EternisAI/shellmux/internal/files"
	"github.com/EternisAI/shellmux/internal/remote"
	"github.com/EternisAI/shellmux/internal/session"
)

const maxUploadSize = 100 * 1024 * 1024

type UploadHandler struct {
	registry *session.Registry
}

func NewUploadHandler(registry *session.Registry) *UploadHandler {
	return &UploadHandler{registry: registry}
}

// HandleUpload copies a multipart file into a remote directory. A .zip
// is extracted there when extract=true.
// POST /api/v1/sessions/:id/upload
func (h *UploadHandler) HandleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	s, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrSessionNotFound.Error()})
		return
	}
	t, err := s.Transfer()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	targetDir, err := files.Clean(c.PostForm("target_dir"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_dir must be an absolute path"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		slog.Error("Failed to read file from form", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == "/" || strings.ContainsAny(name, `/\`) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
		return
	}

	var written []string
	if c.PostForm("extract") == "true" {
		if filepath.Ext(name) != ".zip" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "only .zip files can be extracted"})
			return
		}
		written, err = h.unzip(t, file, header.Size, targetDir)
	} else {
		dest := path.Join(targetDir, name)
		if err = mkdirAll(t, targetDir); err == nil {
			err = writeRemote(t, dest, file, 0o644)
			written = []string{dest}
		}
	}
	if err != nil {
		slog.Error("Upload failed", "error", err, "session_id", s.ID, "target_dir", targetDir)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("upload failed: %v", err)})
		return
	}

	slog.Info("Upload stored on remote host",
		"session_id", s.ID,
		"target_dir", targetDir,
		"file_count", len(written))
	c.JSON(http.StatusOK, dto.UploadResponse{Files: written})
}

func (h *UploadHandler) unzip(t remote.FileTransfer, src io.ReaderAt, size int64, destDir string) ([]string, error) {
	reader, err := zip.NewReader(src, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}

	if err := mkdirAll(t, destDir); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	var extracted []string
	for _, f := range reader.File {
		if !filepath.IsLocal(f.Name) {
			return nil, fmt.Errorf("invalid file path in zip: %s", f.Name)
		}
		target := path.Join(destDir, filepath.ToSlash(f.Name))

		if f.FileInfo().IsDir() {
			if err := mkdirAll(t, target); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			continue
		}
		if err := mkdirAll(t, path.Dir(target)); err != nil {
			return nil, fmt.Errorf("failed to create parent directory for %s: %w", target, err)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open file in zip %s: %w", f.Name, err)
		}
		err = writeRemote(t, target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return nil, err
		}
		extracted = append(extracted, target)
	}
	return extracted, nil
}

func writeRemote(t remote.FileTransfer, dest string, src io.Reader, perm fs.FileMode) error {
	dst, err := t.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dest, err)
	}
	if perm != 0 {
		if err := t.Chmod(dest, perm); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", dest, err)
		}
	}
	return nil
}

func mkdirAll(t remote.FileTransfer, dir string) error {
	if dir == "/" {
		return nil
	}
	fi, err := t.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := mkdirAll(t, path.Dir(dir)); err != nil {
		return err
	}
	return t.Mkdir(dir)
}
