package resource

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Server wires a Store behind the /append and /view routes
// original_source/file_server.py exposes. It is the external resource
// service spec.md's DME core never calls directly — only the example
// client (cmd/dmecli) does, while holding the critical section.
type Server struct {
	store *Store
}

// NewServer builds a Server over store.
func NewServer(store *Store) *Server {
	return &Server{store: store}
}

// Register mounts the resource service's routes on r.
func (s *Server) Register(r *gin.Engine) {
	r.POST("/append", s.handleAppend)
	r.GET("/view", s.handleView)
}

func (s *Server) handleAppend(c *gin.Context) {
	var e Entry
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if e.ClientTime == "" {
		e.ClientTime = time.Now().Format(time.RFC3339Nano)
	}
	if err := s.store.Append(c.Request.Context(), e); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// handleView renders entries as plain text, one "<client_time>
// <node_id>: <text>" line per entry, matching file_server.py's /view
// output shape so an unmodified dme_app_node.py-style client still works.
func (s *Server) handleView(c *gin.Context) {
	entries, err := s.store.View(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, "%v", err)
		return
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.ClientTime)
		b.WriteString(" ")
		b.WriteString(e.NodeID)
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	c.String(http.StatusOK, "%s", b.String())
}
