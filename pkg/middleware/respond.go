package middleware

import "github.com/gin-gonic/gin"

// errorReply matches the error envelope the API handlers produce
// (internal/dto.ErrorResponse) so middleware rejections look the same on
// the wire.
type errorReply struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorReply{
		Error: message,
		Code:  code,
	})
}
