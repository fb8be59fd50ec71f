package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lvdashuaibi/teamvote/internal/api/graph"
)

var statusByCode = map[string]int{
	graph.CodeValidation:       http.StatusBadRequest,
	graph.CodeInvalidChoice:    http.StatusBadRequest,
	graph.CodeUnauthenticated:  http.StatusUnauthorized,
	graph.CodeForbidden:        http.StatusForbidden,
	graph.CodeNotFound:         http.StatusNotFound,
	graph.CodeAlreadyVoted:     http.StatusConflict,
	graph.CodeInvalidState:     http.StatusConflict,
	graph.CodeTopicClosed:      http.StatusGone,
	graph.CodeDeadlinePassed:   http.StatusGone,
	graph.CodeStoreUnavailable: http.StatusServiceUnavailable,
	graph.CodeRateLimited:      http.StatusTooManyRequests,
}

// StatusFor 业务错误对应的HTTP状态码
func StatusFor(err error) int {
	if status, ok := statusByCode[graph.Code(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := graph.Code(err)
	message := err.Error()
	if code == graph.CodeInternal {
		message = "内部错误"
	}
	c.JSON(StatusFor(err), gin.H{"error": code, "message": message})
}
