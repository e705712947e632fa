package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/storefront/internal/tenantconn"
)

type currentStoreResponse struct {
	StoreID    string                 `json:"store_id"`
	Name       string                 `json:"name"`
	Slug       string                 `json:"slug"`
	Published  bool                   `json:"published"`
	Connection tenantconn.HandleStats `json:"connection"`
}

// GetCurrentStore reports the store serving this Host and the state of its
// tenant connection.
func (s *Server) GetCurrentStore(c *gin.Context) {
	handle, ok := tenantHandle(c)
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}

	ctx := c.Request.Context()
	store, err := s.registry.GetStore(ctx, handle.StoreID())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := handle.DB(ctx).Exec("SELECT 1").Error; err != nil {
		AbortWithError(c, fmt.Errorf("%w: %w", ErrServiceUnavailable, err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": currentStoreResponse{
		StoreID:    store.ID.String(),
		Name:       store.Name,
		Slug:       store.Slug,
		Published:  store.Published,
		Connection: handle.Stats(),
	}})
}
