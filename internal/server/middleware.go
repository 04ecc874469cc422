package server

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/cartera/internal/config"
)

const headerAuthorization = "Authorization"

// Authenticator decides whether a request may reach the API. Identity
// management lives outside this service.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) error
}

// staticTokenAuthenticator accepts one shared bearer token. With no token
// configured every request is accepted.
type staticTokenAuthenticator struct {
	token string
}

func NewAuthenticator(cfg config.Config) Authenticator {
	return &staticTokenAuthenticator{token: strings.TrimSpace(cfg.APIToken)}
}

func (a *staticTokenAuthenticator) Authenticate(_ context.Context, token string) error {
	if a.token == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			c.Next()
			return
		}
		if err := s.auth.Authenticate(c.Request.Context(), bearerToken(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	raw := strings.TrimSpace(c.GetHeader(headerAuthorization))
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return ""
}
