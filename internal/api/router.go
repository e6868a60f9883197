// internal/api/router.go
package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/JubenshaMCP/internal/config"
	"github.com/Corphon/JubenshaMCP/internal/di"
	"github.com/Corphon/JubenshaMCP/internal/services"
	"github.com/Corphon/JubenshaMCP/internal/workflow"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	// 只从容器获取服务，不再创建新实例
	container := di.GetContainer()

	discussionService, ok := container.Get("discussion").(*services.DiscussionService)
	if !ok {
		return nil, fmt.Errorf("讨论服务未正确初始化")
	}

	scriptService, ok := container.Get("script").(*services.ScriptService)
	if !ok {
		return nil, fmt.Errorf("剧本服务未正确初始化")
	}

	gameService, ok := container.Get("game").(*services.GameService)
	if !ok {
		return nil, fmt.Errorf("对局服务未正确初始化")
	}

	memoryService, ok := container.Get("memory").(*services.MemoryService)
	if !ok {
		return nil, fmt.Errorf("记忆服务未正确初始化")
	}

	engine, ok := container.Get("workflow").(*workflow.Engine)
	if !ok {
		return nil, fmt.Errorf("工作流引擎未正确初始化")
	}

	hub, ok := container.Get("hub").(*GameHub)
	if !ok {
		return nil, fmt.Errorf("WebSocket管理器未正确初始化")
	}

	handler := NewHandler(engine, discussionService, scriptService, gameService, memoryService, hub)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.Use(corsMiddleware())
	r.Use(requestIDMiddleware())

	// ===============================
	// API路由
	// ===============================
	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/health", handler.HealthCheck)

		// 会话（开局工作流）
		sessions := apiGroup.Group("/sessions")
		{
			sessions.POST("", handler.CreateSession)
			sessions.GET("/:id", handler.GetSession)
			sessions.POST("/:id/cancel", handler.CancelSession)

			// 讨论阶段机
			sessions.POST("/:id/discussion/start", handler.StartDiscussion)
			sessions.GET("/:id/discussion", handler.GetDiscussionState)
			sessions.POST("/:id/discussion/messages", handler.SendDiscussionMessage)
			sessions.POST("/:id/discussion/invitations", handler.SendPrivateChatInvitation)
			sessions.POST("/:id/discussion/private-messages", handler.SendPrivateChatMessage)
			sessions.POST("/:id/discussion/answers", handler.SubmitAnswer)
			sessions.POST("/:id/discussion/end", handler.EndDiscussion)

			// 记忆
			sessions.POST("/:id/memory/search", handler.SearchConversationMemory)
			sessions.GET("/:id/clues/relation", handler.GetClueRelation)
		}

		// 剧本
		scripts := apiGroup.Group("/scripts")
		{
			scripts.GET("", handler.ListScripts)
			scripts.GET("/:id", handler.GetScript)
		}

		// 调试路由
		apiGroup.GET("/ws/status", handler.GetWebSocketStatus)
	}

	// WebSocket接入
	r.GET("/ws/games/:id", handler.GameWebSocket)

	return r, nil
}
