package servicetoken

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GinMiddleware aborts requests without a valid Authorization header.
func GinMiddleware(verifier *Verifier) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if _, err := verifier.Verify(ctx.GetHeader("Authorization")); err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Service authentication required",
				"code":    "unauthenticated",
			})
			return
		}
		ctx.Next()
	}
}
