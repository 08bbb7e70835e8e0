package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"omni-agent-go/internal/middleware"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/service"
	"omni-agent-go/pkg/log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const msgChatUnavailable = "AI服务暂时不可用，请稍后重试"

var (
	upgrader = websocket.Upgrader{
		// 来源已由 APIKeyMiddleware 按租户白名单校验
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
)

// ChatHandler 负责挂件的对话接口，包括 HTTP 与 WebSocket 两种方式。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// Chat 处理一轮同步对话。
func (h *ChatHandler) Chat(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "无效的请求负载")
		return
	}

	resp, err := h.chatService.Chat(c.Request.Context(), tenant, req)
	if errors.Is(err, service.ErrEmptyMessage) {
		fail(c, http.StatusBadRequest, "message 不能为空")
		return
	}
	if err != nil {
		log.Errorf("[ChatHandler] 租户 %d 对话失败: %v", tenant.ID, err)
		fail(c, http.StatusInternalServerError, msgChatUnavailable)
		return
	}
	success(c, "success", resp)
}

// History 返回某个会话的历史消息。
func (h *ChatHandler) History(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	sessionID := c.Query("session_id")
	if sessionID == "" {
		fail(c, http.StatusBadRequest, "session_id 不能为空")
		return
	}
	history, err := h.chatService.History(c.Request.Context(), tenant, sessionID)
	if err != nil {
		log.Errorf("[ChatHandler] 读取会话历史失败, tenant: %d, session: %s, error: %v", tenant.ID, sessionID, err)
		fail(c, http.StatusInternalServerError, "Failed to retrieve conversation history")
		return
	}
	if history == nil {
		history = []model.ChatMessage{}
	}
	success(c, "success", history)
}

// Handle 处理一个传入的 WebSocket 连接。每条消息可以是 {"message","session_id"} JSON，
// 也可以是纯文本；同一连接上后续消息沿用上一轮的会话。
func (h *ChatHandler) Handle(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("[ChatHandler] WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	log.Infof("[ChatHandler] WebSocket 连接已建立，租户: %d", tenant.ID)

	var sessionID string
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("[ChatHandler] 从 WebSocket 读取消息失败: %v", err)
			}
			break
		}

		req := parseChatFrame(message)
		if req.SessionID == "" {
			req.SessionID = sessionID
		}

		resp, err := h.chatService.StreamChat(c.Request.Context(), tenant, req, func(delta string) error {
			return writeFrame(conn, gin.H{"type": "delta", "content": delta})
		})
		if err != nil {
			log.Errorf("[ChatHandler] 处理流式响应失败, tenant: %d, error: %v", tenant.ID, err)
			errMsg := msgChatUnavailable
			if errors.Is(err, service.ErrEmptyMessage) {
				errMsg = "message 不能为空"
			}
			_ = writeFrame(conn, gin.H{"type": "error", "error": errMsg})
			if werr := writeCompletion(conn, req.SessionID, ""); werr != nil {
				break
			}
			continue
		}

		sessionID = resp.SessionID
		if err := writeCompletion(conn, resp.SessionID, resp.Backend); err != nil {
			log.Warnf("[ChatHandler] 发送完成通知失败: %v", err)
			break
		}
	}
}

func parseChatFrame(message []byte) service.ChatRequest {
	trimmed := strings.TrimSpace(string(message))
	if strings.HasPrefix(trimmed, "{") {
		var req service.ChatRequest
		if err := json.Unmarshal([]byte(trimmed), &req); err == nil {
			return req
		}
	}
	return service.ChatRequest{Message: trimmed}
}

func writeCompletion(conn *websocket.Conn, sessionID, backend string) error {
	now := time.Now()
	return writeFrame(conn, gin.H{
		"type":       "completion",
		"status":     "finished",
		"message":    "响应已完成",
		"session_id": sessionID,
		"backend":    backend,
		"timestamp":  now.UnixMilli(),
		"date":       now.Format("2006-01-02T15:04:05"),
	})
}

func writeFrame(conn *websocket.Conn, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}
