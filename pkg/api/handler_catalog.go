package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// RegisterPlaybookRequest is the body for POST /api/v1/catalog.
type RegisterPlaybookRequest struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content" binding:"required"`
	Layout  string `json:"layout,omitempty"`
}

// registerPlaybook handles POST /api/v1/catalog.
func (s *Server) registerPlaybook(c *gin.Context) {
	var req RegisterPlaybookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := s.catalog.Register(c.Request.Context(), req.Path, []byte(req.Content), []byte(req.Layout))
	if err != nil {
		if strings.Contains(err.Error(), "invalid playbook") {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"catalog_id": entry.ID,
		"path":       entry.Path,
		"version":    entry.Version,
	})
}

// fetchPlaybook handles GET /api/v1/catalog/*path. Version 0 or absent means
// latest.
func (s *Server) fetchPlaybook(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "playbook path is required"})
		return
	}

	version := 0
	if v := c.Query("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
			return
		}
		version = n
	}

	entry, err := s.catalog.Fetch(c.Request.Context(), path, version)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"catalog_id": entry.ID,
		"path":       entry.Path,
		"version":    entry.Version,
		"kind":       entry.Kind,
		"content":    string(entry.Content),
		"created_at": entry.CreatedAt,
	})
}

// listCatalog handles GET /api/v1/catalog, returning the latest version of
// every registered path.
func (s *Server) listCatalog(c *gin.Context) {
	entries, err := s.catalog.List(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
