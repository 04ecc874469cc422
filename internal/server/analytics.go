package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/cartera/internal/analytics"
)

func (s *Server) GetAnalytics(c *gin.Context) {
	dataset, err := datasetParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	filter, err := recordFilter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	top, err := intParam(c.Query("top"), "top")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	horizon, err := intParam(c.Query("horizon"), "horizon")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.analytics.Summary(c.Request.Context(), analytics.SummaryRequest{
		Dataset: dataset,
		Filter:  filter,
		Top:     top,
		Horizon: horizon,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}
