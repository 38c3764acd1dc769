package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS permits cross-origin access to the API. Rooms and assets are fetched
// straight from browser canvases on arbitrary origins, so the policy is
// deliberately open; authorization is carried per-request by bearer tokens,
// never by cookies.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, Range, X-Chunk-Index, X-Total-Chunks")
		c.Header("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, ETag, Content-Length")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
