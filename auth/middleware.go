package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "collaborative-report-sync/internal/errors"
)

// contextClaims is the gin context key verified claims are stored
// under.
const contextClaims = "auth_claims"

// Middleware verifies the session token of every request. Browsers
// cannot attach headers to a WebSocket handshake, so the token is
// also accepted as a query parameter.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var token string
		if h := ctx.GetHeader("Authorization"); h != "" {
			token = strings.TrimPrefix(h, "Bearer ")
		} else {
			token = ctx.Query("token")
		}
		if token == "" {
			apperrors.HandleError(ctx, apperrors.ErrUnauthorized(nil).WithMessage("Authorization is not found!"))
			return
		}

		claims, err := VerifyJWT(secret, token)
		if err != nil {
			apperrors.HandleError(ctx, apperrors.ErrUnauthorized(err))
			return
		}

		ctx.Set(contextClaims, claims)
		ctx.Next()
	}
}

// ClaimsFrom returns the claims the middleware verified for this
// request.
func ClaimsFrom(ctx *gin.Context) (*Claims, bool) {
	v, ok := ctx.Get(contextClaims)
	if !ok {
		return nil, false
	}
	c, ok := v.(*Claims)
	return c, ok
}
