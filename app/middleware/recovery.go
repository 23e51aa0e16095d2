package middleware

import (
	"net/http"
	"runtime/debug"

	"robofleet/pkg/logger"

	"github.com/gin-gonic/gin"
)

// PanicHook runs after a handler panic has been logged
type PanicHook func(c *gin.Context, recovered interface{})

// Recovery converts handler panics into 500 responses. robotd passes a hook
// that stops the arm, since a panic may have left a command half applied.
func Recovery(hooks ...PanicHook) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			logger.ErrorCtx(c.Request.Context(), "panic recovered on %s %s: %v\nstack:\n%s",
				c.Request.Method, c.Request.URL.Path, recovered, string(debug.Stack()))
			for _, hook := range hooks {
				hook(c, recovered)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}()

		c.Next()
	}
}
