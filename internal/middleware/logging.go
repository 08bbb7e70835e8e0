// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/pii"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// maxLoggedBody 限制日志中记录的请求/响应体长度。
const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	if w.body.Len() < maxLoggedBody {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// 这些路径的请求体含有密码或凭证，不写入日志。
var sensitivePaths = []string{"/auth/", "/settings/integrations"}

// RequestLogger 记录请求和响应日志。只记录 JSON 请求体，并做 PII 脱敏；
// websocket 升级请求和敏感路径不记录请求体。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		var requestBody []byte
		if shouldLogBody(c) {
			requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody+1))
			rest := c.Request.Body
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(requestBody), rest))
		}

		blw := &bodyLogWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		if !isWebsocket(c) {
			c.Writer = blw
		}

		c.Next()

		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"requestBody", truncate(pii.Scrub(string(requestBody))),
			"responseBody", truncate(pii.Scrub(blw.body.String())),
		)
	}
}

func shouldLogBody(c *gin.Context) bool {
	if c.Request.Body == nil || isWebsocket(c) {
		return false
	}
	if !strings.HasPrefix(c.ContentType(), "application/json") {
		return false
	}
	for _, p := range sensitivePaths {
		if strings.Contains(c.Request.URL.Path, p) {
			return false
		}
	}
	return true
}

func isWebsocket(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func truncate(s string) string {
	if len(s) <= maxLoggedBody {
		return s
	}
	return s[:maxLoggedBody] + "..."
}
