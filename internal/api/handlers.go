// internal/api/handlers.go
package api

import (
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/JubenshaMCP/internal/config"
	apperrors "github.com/Corphon/JubenshaMCP/internal/errors"
	"github.com/Corphon/JubenshaMCP/internal/models"
	"github.com/Corphon/JubenshaMCP/internal/services"
	"github.com/Corphon/JubenshaMCP/internal/workflow"
)

// Handler API处理器，持有全部协作服务
type Handler struct {
	Engine     *workflow.Engine
	Discussion *services.DiscussionService
	Scripts    *services.ScriptService
	Games      *services.GameService
	Memory     *services.MemoryService
	Hub        *GameHub

	response *ResponseHelper
	sessions sync.Map // sessionID -> *workflow.SessionContext
}

// NewHandler 创建API处理器
func NewHandler(
	engine *workflow.Engine,
	discussion *services.DiscussionService,
	scripts *services.ScriptService,
	games *services.GameService,
	memory *services.MemoryService,
	hub *GameHub,
) *Handler {
	return &Handler{
		Engine:     engine,
		Discussion: discussion,
		Scripts:    scripts,
		Games:      games,
		Memory:     memory,
		Hub:        hub,
		response:   NewResponseHelper(),
	}
}

// ========================================
// 会话（开局工作流）
// ========================================

// CreateSession 创建并运行一次开局工作流。
// 步骤失败不会返回HTTP错误：结果中的succeeded/last_error反映工作流状态。
func (h *Handler) CreateSession(c *gin.Context) {
	var premise workflow.Premise
	if err := c.ShouldBindJSON(&premise); err != nil {
		h.response.BadRequest(c, "开局请求格式错误", err.Error())
		return
	}
	if premise.Theme == "" {
		h.response.BadRequest(c, "开局主题不能为空")
		return
	}
	if premise.HumanCount <= 0 {
		premise.HumanCount = config.GetCurrentConfig().DefaultHumanCount
	}

	sc := h.Engine.Run(c.Request.Context(), premise)
	h.sessions.Store(sc.SessionID, sc)

	if sc.Succeeded {
		h.response.Created(c, sc, "开局完成")
	} else {
		h.response.Created(c, sc, "开局未完成: "+sc.LastError)
	}
}

// GetSession 查询会话上下文快照
func (h *Handler) GetSession(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}
	h.response.Success(c, sc)
}

// CancelSession 取消会话：清理讨论状态、会话记忆并标记对局取消
func (h *Handler) CancelSession(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	h.Discussion.RemoveSession(sc.SessionID)
	if err := h.Memory.DropConversationMemory(c.Request.Context(), sc.SessionID); err != nil {
		h.response.InternalError(c, "清理会话记忆失败", err.Error())
		return
	}

	if game, err := h.Games.GetGame(sc.SessionID); err == nil {
		game.Status = models.GameCancelled
		if err := h.Games.SaveGame(game); err != nil {
			h.response.InternalError(c, "更新对局状态失败", err.Error())
			return
		}
	}

	h.sessions.Delete(sc.SessionID)
	h.response.Success(c, gin.H{"session_id": sc.SessionID}, "会话已取消")
}

func (h *Handler) loadSession(c *gin.Context) (*workflow.SessionContext, bool) {
	sessionID := c.Param("id")
	value, exists := h.sessions.Load(sessionID)
	if !exists {
		h.response.NotFound(c, "会话", sessionID)
		return nil, false
	}
	return value.(*workflow.SessionContext), true
}

// ========================================
// 讨论
// ========================================

// StartDiscussion 开始会话的讨论阶段
func (h *Handler) StartDiscussion(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	snapshot, err := h.Discussion.StartDiscussion(sc.SessionID, sc.ParticipantIDs(), sc.DMID, sc.JudgeID)
	if err != nil {
		h.response.BadRequest(c, "无法开始讨论", err.Error())
		return
	}
	h.response.Success(c, snapshot, "讨论已开始")
}

// DiscussionMessageRequest 公开讨论发言请求
type DiscussionMessageRequest struct {
	SenderID   string `json:"sender_id" binding:"required"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content" binding:"required"`
}

// SendDiscussionMessage 发送一条公开讨论发言
func (h *Handler) SendDiscussionMessage(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	var req DiscussionMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.response.BadRequest(c, "发言请求格式错误", err.Error())
		return
	}
	if req.SenderName == "" {
		req.SenderName = req.SenderID
	}

	if err := h.Discussion.SendDiscussionMessage(c.Request.Context(), sc.SessionID, req.SenderID, req.SenderName, req.Content); err != nil {
		h.response.BadRequest(c, "发言失败", err.Error())
		return
	}
	h.response.Success(c, nil, "发言已处理")
}

// InvitationRequest 私聊邀请请求
type InvitationRequest struct {
	SenderID   string `json:"sender_id" binding:"required"`
	ReceiverID string `json:"receiver_id" binding:"required"`
}

// SendPrivateChatInvitation 发出私聊邀请。
// 配额耗尽或接收者无效时同样返回成功：拒绝是静默的正常结果。
func (h *Handler) SendPrivateChatInvitation(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	var req InvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.response.BadRequest(c, "邀请请求格式错误", err.Error())
		return
	}

	if err := h.Discussion.SendPrivateChatInvitation(sc.SessionID, req.SenderID, req.ReceiverID); err != nil {
		h.response.BadRequest(c, "邀请失败", err.Error())
		return
	}
	h.response.Success(c, nil, "邀请已处理")
}

// PrivateMessageRequest 私聊消息请求
type PrivateMessageRequest struct {
	SenderID   string `json:"sender_id" binding:"required"`
	ReceiverID string `json:"receiver_id" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

// SendPrivateChatMessage 在私聊双方之间发送消息
func (h *Handler) SendPrivateChatMessage(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	var req PrivateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.response.BadRequest(c, "私聊请求格式错误", err.Error())
		return
	}

	if err := h.Discussion.SendPrivateChatMessage(c.Request.Context(), sc.SessionID, req.SenderID, req.ReceiverID, req.Content); err != nil {
		h.response.BadRequest(c, "私聊发送失败", err.Error())
		return
	}
	h.response.Success(c, nil, "私聊已处理")
}

// AnswerRequest 答案提交请求
type AnswerRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
	Answer   string `json:"answer" binding:"required"`
}

// SubmitAnswer 提交推理答案，重复提交时后写覆盖先写
func (h *Handler) SubmitAnswer(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.response.BadRequest(c, "答案请求格式错误", err.Error())
		return
	}

	if err := h.Discussion.SubmitAnswer(sc.SessionID, req.PlayerID, req.Answer); err != nil {
		h.response.BadRequest(c, "答案提交失败", err.Error())
		return
	}
	h.response.Success(c, nil, "答案已提交")
}

// EndDiscussion 提前结束讨论（绕过定时器的运维入口）
func (h *Handler) EndDiscussion(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	snapshot, err := h.Discussion.EndDiscussion(c.Request.Context(), sc.SessionID)
	if err != nil {
		h.response.BadRequest(c, "结束讨论失败", err.Error())
		return
	}
	h.response.Success(c, snapshot, "讨论已结束")
}

// GetDiscussionState 查询讨论状态快照
func (h *Handler) GetDiscussionState(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	snapshot, err := h.Discussion.GetDiscussionState(sc.SessionID)
	if err != nil {
		h.response.NotFound(c, "讨论", err.Error())
		return
	}
	h.response.Success(c, snapshot)
}

// ========================================
// 记忆
// ========================================

// MemorySearchRequest 对话记忆检索请求
type MemorySearchRequest struct {
	PlayerID string `json:"player_id"`
	Query    string `json:"query" binding:"required"`
	TopK     int    `json:"top_k"`
	// 已发现的线索ID，保留为过滤扩展点
	DiscoveredClueIDs []string `json:"discovered_clue_ids,omitempty"`
}

// SearchConversationMemory 检索会话的对话记忆
func (h *Handler) SearchConversationMemory(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	var req MemorySearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.response.BadRequest(c, "检索请求格式错误", err.Error())
		return
	}
	if req.TopK <= 0 {
		req.TopK = config.GetCurrentConfig().ConversationTopK
	}

	memories, err := h.Memory.FilterByDiscoveredClues(c.Request.Context(),
		sc.SessionID, req.PlayerID, req.DiscoveredClueIDs, req.Query, req.TopK)
	if err != nil {
		h.response.InternalError(c, "记忆检索失败", err.Error())
		return
	}
	h.response.Success(c, memories)
}

// GetClueRelation 计算会话中两条线索的关联强度
func (h *Handler) GetClueRelation(c *gin.Context) {
	sc, ok := h.loadSession(c)
	if !ok {
		return
	}

	clueA := c.Query("clue_a")
	clueB := c.Query("clue_b")
	if clueA == "" || clueB == "" {
		h.response.BadRequest(c, "必须提供clue_a和clue_b两个线索ID")
		return
	}

	strength, err := h.Memory.ClueRelationStrength(c.Request.Context(),
		sc.ClueMemoryIDs[clueA], sc.ClueMemoryIDs[clueB])
	if err != nil {
		h.response.InternalError(c, "线索关联计算失败", err.Error())
		return
	}

	h.response.Success(c, gin.H{
		"clue_a":   clueA,
		"clue_b":   clueB,
		"strength": strength,
	})
}

// ========================================
// 剧本
// ========================================

// ListScripts 列出全部剧本
func (h *Handler) ListScripts(c *gin.Context) {
	scripts, err := h.Scripts.ListScripts()
	if err != nil {
		h.response.InternalError(c, "列举剧本失败", err.Error())
		return
	}
	h.response.Success(c, scripts)
}

// GetScript 查询剧本及其附属数据
func (h *Handler) GetScript(c *gin.Context) {
	scriptID := c.Param("id")

	script, err := h.Scripts.GetScript(scriptID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.response.NotFound(c, "剧本", err.Error())
		} else {
			h.response.InternalError(c, "加载剧本失败", err.Error())
		}
		return
	}
	characters, _ := h.Scripts.GetCharacters(scriptID)
	scenes, _ := h.Scripts.GetScenes(scriptID)
	clues, _ := h.Scripts.GetClues(scriptID)

	h.response.Success(c, gin.H{
		"script":     script,
		"characters": characters,
		"scenes":     scenes,
		"clues":      clues,
	})
}

// ========================================
// WebSocket和调试
// ========================================

// GameWebSocket 玩家接入对局的WebSocket连接
func (h *Handler) GameWebSocket(c *gin.Context) {
	gameID := c.Param("id")
	playerID := c.Query("player_id")
	if playerID == "" {
		h.response.BadRequest(c, "必须提供player_id")
		return
	}

	h.Hub.HandleConnection(c.Writer, c.Request, gameID, playerID)
}

// GetWebSocketStatus 获取WebSocket连接状态（调试用）
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.response.Success(c, h.Hub.GetStatus())
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	h.response.Success(c, gin.H{"status": "ok"})
}
