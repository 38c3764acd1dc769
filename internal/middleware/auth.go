package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/draftwell/roomhost/internal/auth"
	"github.com/draftwell/roomhost/pkg/errors"
	"github.com/draftwell/roomhost/pkg/response"
)

const (
	CtxClaimsKey = "authClaims"
	CtxRoomKey   = "authRoom"
	CtxUserIDKey = "userID"
)

// Auth enforces bearer-token authentication using the supplied verifier.
// Room binding against the requested resource stays with the handlers,
// which know which room the route addresses.
func Auth(verifier *iauth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := verifier.Verify(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxRoomKey, claims.Room)
		if claims.UserID != "" {
			c.Set(CtxUserIDKey, claims.UserID)
		}

		c.Next()
	}
}

// ClaimedRoom returns the room key carried by the verified token, when the
// request passed through Auth.
func ClaimedRoom(c *gin.Context) (string, bool) {
	room, ok := c.Get(CtxRoomKey)
	if !ok {
		return "", false
	}
	key, ok := room.(string)
	return key, ok && key != ""
}
