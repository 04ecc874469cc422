package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MigrateDuplicates keeps one record per key of the dataset and removes the
// rest. Safe to repeat.
func (s *Server) MigrateDuplicates(c *gin.Context) {
	dataset, err := datasetParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.consistency.Migrate(c.Request.Context(), dataset)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ValidateConsistency(c *gin.Context) {
	dataset, err := datasetParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	report, err := s.consistency.Validate(c.Request.Context(), dataset)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}
