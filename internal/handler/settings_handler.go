package handler

import (
	"errors"
	"net/http"
	"omni-agent-go/internal/middleware"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/service"
	"omni-agent-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SettingsHandler 负责数据源凭证和机器人人设的管理接口。
type SettingsHandler struct {
	integrationService service.IntegrationService
}

// NewSettingsHandler 创建一个新的 SettingsHandler 实例。
func NewSettingsHandler(integrationService service.IntegrationService) *SettingsHandler {
	return &SettingsHandler{integrationService: integrationService}
}

// SaveIntegration 保存一类数据源的凭证并生成画像。
func (h *SettingsHandler) SaveIntegration(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	var req service.SaveIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Provider == "" || len(req.Credentials) == 0 {
		fail(c, http.StatusBadRequest, "无效的请求负载：provider 和 credentials 不能为空")
		return
	}

	view, err := h.integrationService.Save(c.Request.Context(), tenant.ID, req)
	if errors.Is(err, service.ErrInvalidCredential) {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Errorf("SaveIntegration: tenant %d, provider %s, error: %v", tenant.ID, req.Provider, err)
		fail(c, http.StatusInternalServerError, "保存数据源失败")
		return
	}
	success(c, "Integration saved", view)
}

// RefreshIntegrationRequest 指定要刷新画像的数据源。
type RefreshIntegrationRequest struct {
	Provider model.BackendKind `json:"provider" binding:"required"`
}

// RefreshIntegration 重新发现结构并生成描述。
func (h *SettingsHandler) RefreshIntegration(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	var req RefreshIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "无效的请求负载：provider 不能为空")
		return
	}

	view, err := h.integrationService.Refresh(c.Request.Context(), tenant.ID, req.Provider)
	switch {
	case errors.Is(err, service.ErrIntegrationNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidCredential):
		fail(c, http.StatusBadRequest, err.Error())
	case err != nil:
		log.Errorf("RefreshIntegration: tenant %d, provider %s, error: %v", tenant.ID, req.Provider, err)
		fail(c, http.StatusInternalServerError, "刷新数据源画像失败")
	default:
		success(c, "Integration refreshed", view)
	}
}

// ListIntegrations 列出租户已连接的数据源，不返回凭证。
func (h *SettingsHandler) ListIntegrations(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	views, err := h.integrationService.List(tenant.ID)
	if err != nil {
		log.Errorf("ListIntegrations: tenant %d, error: %v", tenant.ID, err)
		fail(c, http.StatusInternalServerError, "获取数据源列表失败")
		return
	}
	success(c, "success", views)
}

// BotProfileRequest 是机器人人设的请求体。
type BotProfileRequest struct {
	BotName     string `json:"bot_name" binding:"required"`
	Instruction string `json:"instruction"`
}

// UpdateBotProfile 修改机器人名称与指令。
func (h *SettingsHandler) UpdateBotProfile(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	var req BotProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "无效的请求负载：bot_name 不能为空")
		return
	}

	updated, err := h.integrationService.UpdatePersona(tenant.ID, req.BotName, req.Instruction)
	if errors.Is(err, service.ErrInvalidPersona) {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Errorf("UpdateBotProfile: tenant %d, error: %v", tenant.ID, err)
		fail(c, http.StatusInternalServerError, "更新机器人人设失败")
		return
	}
	success(c, "Bot profile updated", gin.H{
		"botName":     updated.BotName,
		"instruction": updated.BotInstruction,
	})
}
