// Package service 包含了应用的业务逻辑层。
package service

import (
	"errors"
	"fmt"
	"net/url"
	"omni-agent-go/internal/config"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/repository"
	"omni-agent-go/pkg/hash"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/token"
	"strings"

	"gorm.io/gorm"
)

const apiKeyPrefix = "oa_"

var (
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTenantNotFound     = errors.New("tenant not found")
)

// TenantService 接口定义了租户账户相关的业务操作。
type TenantService interface {
	Register(username, password string) (*model.Tenant, error)
	Login(username, password string) (accessToken, refreshToken string, err error)
	RefreshToken(refreshToken string) (newAccessToken, newRefreshToken string, err error)
	Profile(tenantID uint) (*model.Tenant, error)
	RotateAPIKey(tenantID uint) (string, error)
	ResolveAPIKey(apiKey string) (*model.Tenant, error)
	UpdateAllowedDomains(tenantID uint, domains []string) error
}

type tenantService struct {
	tenantRepo repository.TenantRepository
	jwtManager *token.JWTManager
	chatCfg    config.ChatConfig
}

// NewTenantService 创建一个新的 TenantService 实例。
func NewTenantService(tenantRepo repository.TenantRepository, jwtManager *token.JWTManager, chatCfg config.ChatConfig) TenantService {
	return &tenantService{tenantRepo: tenantRepo, jwtManager: jwtManager, chatCfg: chatCfg}
}

// Register 创建租户，分配挂件 API Key 并写入默认人设。
func (s *tenantService) Register(username, password string) (*model.Tenant, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	_, err := s.tenantRepo.FindByUsername(username)
	if err == nil {
		return nil, ErrUsernameTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, err
	}
	tenant := &model.Tenant{
		Username:       username,
		Password:       hashedPassword,
		Role:           "USER",
		APIKey:         newAPIKey(),
		BotName:        s.chatCfg.DefaultBotName,
		BotInstruction: s.chatCfg.DefaultInstruction,
		AllowedDomains: "*",
	}
	if err := s.tenantRepo.Create(tenant); err != nil {
		log.Errorf("[TenantService] 创建租户失败, username: %s, error: %v", username, err)
		return nil, fmt.Errorf("创建租户失败: %w", err)
	}
	log.Infof("[TenantService] 租户注册成功, id: %d, username: %s", tenant.ID, username)
	return tenant, nil
}

// Login 校验密码并签发 access/refresh token。
func (s *tenantService) Login(username, password string) (string, string, error) {
	tenant, err := s.tenantRepo.FindByUsername(username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", ErrInvalidCredentials
		}
		return "", "", err
	}
	if !hash.CheckPasswordHash(password, tenant.Password) {
		return "", "", ErrInvalidCredentials
	}
	return s.issue(tenant)
}

// RefreshToken 用 refresh token 换取新的一对令牌。
func (s *tenantService) RefreshToken(refreshToken string) (string, string, error) {
	claims, err := s.jwtManager.VerifyToken(refreshToken)
	if err != nil || claims.Purpose != token.PurposeRefresh {
		return "", "", ErrInvalidCredentials
	}
	tenant, err := s.Profile(claims.TenantID)
	if err != nil {
		return "", "", err
	}
	return s.issue(tenant)
}

func (s *tenantService) issue(tenant *model.Tenant) (string, string, error) {
	accessToken, err := s.jwtManager.GenerateToken(tenant.ID, tenant.Username, tenant.Role)
	if err != nil {
		return "", "", err
	}
	refreshToken, err := s.jwtManager.GenerateRefreshToken(tenant.ID, tenant.Username, tenant.Role)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

func (s *tenantService) Profile(tenantID uint) (*model.Tenant, error) {
	tenant, err := s.tenantRepo.FindByID(tenantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTenantNotFound
	}
	return tenant, err
}

// RotateAPIKey 作废旧 Key 并返回新 Key。
func (s *tenantService) RotateAPIKey(tenantID uint) (string, error) {
	tenant, err := s.Profile(tenantID)
	if err != nil {
		return "", err
	}
	tenant.APIKey = newAPIKey()
	if err := s.tenantRepo.Update(tenant); err != nil {
		return "", fmt.Errorf("更新 API Key 失败: %w", err)
	}
	log.Infof("[TenantService] 租户 %d 的 API Key 已轮换", tenantID)
	return tenant.APIKey, nil
}

// ResolveAPIKey 把挂件请求携带的不透明 Key 解析为租户。
func (s *tenantService) ResolveAPIKey(apiKey string) (*model.Tenant, error) {
	if !strings.HasPrefix(apiKey, apiKeyPrefix) {
		return nil, ErrTenantNotFound
	}
	tenant, err := s.tenantRepo.FindByAPIKey(apiKey)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTenantNotFound
	}
	return tenant, err
}

func (s *tenantService) UpdateAllowedDomains(tenantID uint, domains []string) error {
	tenant, err := s.Profile(tenantID)
	if err != nil {
		return err
	}
	cleaned := make([]string, 0, len(domains))
	for _, d := range domains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			cleaned = append(cleaned, d)
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{"*"}
	}
	tenant.AllowedDomains = strings.Join(cleaned, ",")
	return s.tenantRepo.Update(tenant)
}

// OriginAllowed 判断挂件请求的 Origin 是否在租户允许的域名列表内。
// 没有 Origin 的请求（服务端调用）总是允许。
func OriginAllowed(tenant *model.Tenant, origin string) bool {
	if origin == "" || tenant.AllowedDomains == "" || tenant.AllowedDomains == "*" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range strings.Split(tenant.AllowedDomains, ",") {
		d = strings.TrimSpace(d)
		if d == "*" || host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func newAPIKey() string {
	return apiKeyPrefix + token.GenerateRandomString(24)
}
