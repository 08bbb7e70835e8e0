// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/service"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/token"
	"strings"

	"github.com/gin-gonic/gin"
)

// TenantKey 是 gin 上下文中保存当前租户的键。
const TenantKey = "tenant"

// AuthMiddleware 校验控制台请求的 JWT，并把完整的租户对象存入 gin 上下文。
func AuthMiddleware(jwtManager *token.JWTManager, tenantService service.TenantService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			abort(c, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		claims, err := jwtManager.VerifyToken(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil || claims.Purpose != token.PurposeAccess {
			abort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		tenant, err := tenantService.Profile(claims.TenantID)
		if err != nil {
			log.Warnf("[Auth] token 中的租户不存在: %d, error: %v", claims.TenantID, err)
			abort(c, http.StatusUnauthorized, "tenant not found")
			return
		}

		c.Set(TenantKey, tenant)
		c.Set("claims", claims)
		c.Next()
	}
}

// APIKeyMiddleware 用挂件的 API Key 解析租户，并检查请求来源域名。
// Key 依次从路径参数 apiKey、X-API-Key 请求头、api_key 查询参数中读取。
func APIKeyMiddleware(tenantService service.TenantService) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.Param("apiKey")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}
		if apiKey == "" {
			abort(c, http.StatusUnauthorized, "missing api key")
			return
		}

		tenant, err := tenantService.ResolveAPIKey(apiKey)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid api key")
			return
		}
		if !service.OriginAllowed(tenant, c.GetHeader("Origin")) {
			log.Warnf("[Auth] 租户 %d 拒绝来源: %s", tenant.ID, c.GetHeader("Origin"))
			abort(c, http.StatusForbidden, "origin not allowed")
			return
		}

		c.Set(TenantKey, tenant)
		c.Next()
	}
}

// CurrentTenant 取出中间件存入的租户。
func CurrentTenant(c *gin.Context) (*model.Tenant, bool) {
	v, ok := c.Get(TenantKey)
	if !ok {
		return nil, false
	}
	tenant, ok := v.(*model.Tenant)
	return tenant, ok
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": message, "data": nil})
}
