package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunDailyCharge runs the daily deduction now. Stores already charged today
// come back as duplicates.
func (s *Server) RunDailyCharge(c *gin.Context) {
	summary, err := s.billing.TriggerDailyCharge(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ListBillingJobs(c *gin.Context) {
	jobs, err := s.billing.ListJobs(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": jobs})
}
