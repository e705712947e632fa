package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListTenantConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.tenants.Stats()})
}

// InvalidateTenantConnection drops the cached pool so the next request
// reconnects with the current credential.
func (s *Server) InvalidateTenantConnection(c *gin.Context) {
	storeID, err := parseStoreIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.tenants.Invalidate(c.Request.Context(), storeID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
