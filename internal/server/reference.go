package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
)

func (s *Server) ListInsurers(c *gin.Context) {
	insurers, err := s.reference.ListInsurers(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": insurers})
}

func (s *Server) ListProviders(c *gin.Context) {
	insurerID, err := snowflakeParam(c.Query("insurer_id"), "insurer_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	providers, err := s.reference.ListProviders(c.Request.Context(), refdomain.ProviderFilter{InsurerID: insurerID})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": providers})
}

func (s *Server) ListPeriods(c *gin.Context) {
	year, err := parseOptionalInt(c.Query("year"))
	if err != nil {
		AbortWithError(c, newValidationError("year", "invalid_year", "invalid year"))
		return
	}

	periods, err := s.reference.ListPeriods(c.Request.Context(), refdomain.PeriodFilter{Year: year})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": periods})
}
