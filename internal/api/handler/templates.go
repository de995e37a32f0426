package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetOblongTemplate handles GET /api/v1/cad/templates/oblong
// Returns metadata for the bundled sample script so clients can discover a
// known-good upload.
func (h *CadHandler) GetOblongTemplate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"script_name": "oblong.py",
		"description": "Oblong plate generator script",
		"usage":       "Upload this script file to the /api/v1/cad/generate endpoint",
	})
}
