package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/internal/auth"
	"github.com/lvdashuaibi/teamvote/internal/metrics"
)

// RequestLogger 记录请求日志并计数
func RequestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.IncRequest(c.Request.Method, route, status)

		entry := logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        route,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if identity, ok := auth.IdentityFrom(c.Request.Context()); ok {
			entry = entry.WithField("identity", identity)
		}
		entry.Info("request")
	}
}

// Session 从 cookie 或 Bearer 头解析登录身份；没有身份不拒绝，由具体操作判断
func Session(sessions *auth.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token, _ = c.Cookie(auth.SessionCookie)
		}
		if token == "" {
			c.Next()
			return
		}

		identity, err := sessions.Parse(token)
		if err == nil {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), identity))
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
