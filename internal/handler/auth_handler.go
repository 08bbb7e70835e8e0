package handler

import (
	"errors"
	"net/http"
	"omni-agent-go/internal/middleware"
	"omni-agent-go/internal/service"
	"omni-agent-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责租户注册、登录、刷新 token 以及 API Key 管理。
type AuthHandler struct {
	tenantService service.TenantService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(tenantService service.TenantService) *AuthHandler {
	return &AuthHandler{tenantService: tenantService}
}

// CredentialsRequest 是注册与登录共用的请求体。
type CredentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register 处理租户注册请求。
func (h *AuthHandler) Register(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: Invalid request payload, error: %v", err)
		fail(c, http.StatusBadRequest, "无效的请求负载：用户名和密码不能为空")
		return
	}

	tenant, err := h.tenantService.Register(req.Username, req.Password)
	if errors.Is(err, service.ErrUsernameTaken) {
		fail(c, http.StatusConflict, "用户名已存在")
		return
	}
	if err != nil {
		log.Errorf("Register: registration failed for '%s', error: %v", req.Username, err)
		fail(c, http.StatusInternalServerError, "注册失败")
		return
	}

	log.Infof("Tenant '%s' registered successfully", tenant.Username)
	success(c, "Tenant registered successfully", tenant)
}

// Login 处理租户登录请求。
func (h *AuthHandler) Login(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		fail(c, http.StatusBadRequest, "无效的请求负载：用户名和密码不能为空")
		return
	}

	accessToken, refreshToken, err := h.tenantService.Login(req.Username, req.Password)
	if err != nil {
		log.Warnf("Login: authentication failed for '%s', error: %v", req.Username, err)
		fail(c, http.StatusUnauthorized, "无效的凭证")
		return
	}

	log.Infof("Tenant '%s' logged in successfully", req.Username)
	success(c, "Login successful", gin.H{
		"token":        accessToken,
		"refreshToken": refreshToken,
	})
}

// RefreshTokenRequest 定义了刷新 token API 的请求体结构。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshToken 处理刷新 token 的请求。
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "无效的请求负载：refreshToken 不能为空")
		return
	}

	newAccessToken, newRefreshToken, err := h.tenantService.RefreshToken(req.RefreshToken)
	if err != nil {
		log.Warnf("RefreshToken: Failed to refresh token, error: %v", err)
		fail(c, http.StatusUnauthorized, "无效的 refresh token")
		return
	}

	success(c, "Token refreshed successfully", gin.H{
		"token":        newAccessToken,
		"refreshToken": newRefreshToken,
	})
}

// Profile 返回当前登录租户的信息。
func (h *AuthHandler) Profile(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	success(c, "success", tenant)
}

// RotateAPIKey 为当前租户生成新的挂件 API Key，旧 Key 立即失效。
func (h *AuthHandler) RotateAPIKey(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	key, err := h.tenantService.RotateAPIKey(tenant.ID)
	if err != nil {
		log.Errorf("RotateAPIKey: tenant %d, error: %v", tenant.ID, err)
		fail(c, http.StatusInternalServerError, "生成 API Key 失败")
		return
	}
	success(c, "API key rotated", gin.H{"apiKey": key})
}

// AllowedDomainsRequest 是挂件来源白名单的请求体。
type AllowedDomainsRequest struct {
	Domains []string `json:"domains"`
}

// UpdateAllowedDomains 设置挂件允许嵌入的域名，空列表表示不限制。
func (h *AuthHandler) UpdateAllowedDomains(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	var req AllowedDomainsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "无效的请求负载")
		return
	}
	if err := h.tenantService.UpdateAllowedDomains(tenant.ID, req.Domains); err != nil {
		log.Errorf("UpdateAllowedDomains: tenant %d, error: %v", tenant.ID, err)
		fail(c, http.StatusInternalServerError, "更新域名白名单失败")
		return
	}
	success(c, "Allowed domains updated", nil)
}
