package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/shellmux/internal/files"
	"github.com/EternisAI/shellmux/internal/session"
)

type DownloadHandler struct {
	registry *session.Registry
	links    *files.LinkSigner
}

func NewDownloadHandler(registry *session.Registry, links *files.LinkSigner) *DownloadHandler {
	return &DownloadHandler{registry: registry, links: links}
}

// Download streams the remote file a signed link points at
// GET /api/v1/downloads?token=...
func (h *DownloadHandler) Download(c *gin.Context) {
	sessionID, p, err := h.links.Verify(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": files.ErrInvalidLink.Error()})
		return
	}

	s, ok := h.registry.Get(sessionID)
	if !ok {
		c.JSON(http.StatusGone, gin.H{"error": session.ErrSessionNotFound.Error()})
		return
	}
	t, err := s.Transfer()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	fi, err := t.Stat(p)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("stat %s: %v", p, err)})
		return
	}
	if fi.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": files.ErrIsDirectory.Error()})
		return
	}

	rc, err := t.Open(p)
	if err != nil {
		slog.Error("Failed to open remote file", "error", err, "session_id", sessionID, "path", p)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open file"})
		return
	}
	defer rc.Close()

	slog.Info("Streaming download", "session_id", sessionID, "path", p, "size", fi.Size())
	c.DataFromReader(http.StatusOK, fi.Size(), "application/octet-stream", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", path.Base(p)),
	})
}
