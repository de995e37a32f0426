package handler

import (
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// DownloadFile handles GET /api/v1/cad/download/:user_id/:filename
// Looks for the file in the public download directory first, then falls back
// to the durable storage root. Existence is checked before ownership so a
// missing file is always a 404, never a 403.
func (h *CadHandler) DownloadFile(c *gin.Context) {
	userID := c.Param("user_id")
	// Strip any path components a hostile client smuggles into the name
	filename := filepath.Base(c.Param("filename"))

	path := h.locateFile(filename)
	if path == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	// Ownership is substring containment: promoted artifacts embed the
	// owner's id in the filename. Weak when one user id is a substring of
	// another; acceptable for opaque generated ids.
	if !strings.Contains(filename, userID) {
		h.logger.Warn("Download denied",
			slog.String("user_id", userID),
			slog.String("filename", filename),
		)
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	c.FileAttachment(path, filename)
}

// locateFile searches the public directory (flat, then recursively) and the
// storage root for an exact filename match
func (h *CadHandler) locateFile(filename string) string {
	direct := filepath.Join(h.storageCfg.PublicDir, filename)
	if fileExists(direct) {
		return direct
	}

	var found string
	_ = filepath.WalkDir(h.storageCfg.PublicDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if d.Name() == filename {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if found != "" {
		return found
	}

	stored := filepath.Join(h.storageCfg.Root, filename)
	if fileExists(stored) {
		return stored
	}

	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
