package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func parseStoreIDParam(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("store_id"))
	parsed, err := snowflake.ParseString(raw)
	if err != nil || parsed <= 0 {
		return 0, newValidationError("store_id", "invalid_store_id", "invalid store id")
	}
	return parsed, nil
}
