// internal/app/app.go
package app

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/Corphon/JubenshaMCP/internal/api"
	"github.com/Corphon/JubenshaMCP/internal/config"
	"github.com/Corphon/JubenshaMCP/internal/di"
	"github.com/Corphon/JubenshaMCP/internal/services"
	"github.com/Corphon/JubenshaMCP/internal/vector"
	"github.com/Corphon/JubenshaMCP/internal/workflow"

	// LLM提供者通过init注册
	_ "github.com/Corphon/JubenshaMCP/internal/llm/providers/glm"
	_ "github.com/Corphon/JubenshaMCP/internal/llm/providers/openai"
	_ "github.com/Corphon/JubenshaMCP/internal/llm/providers/qwen"
)

// InitServices 按依赖顺序初始化所有服务并注册到容器
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	// 1. 基础服务：LLM和嵌入
	llmService := services.NewLLMService()
	container.Register("llm", llmService)

	embedder := services.NewEmbeddingService(
		cfg.EmbeddingBaseURL,
		cfg.OpenAIAPIKey,
		cfg.EmbeddingModel,
		cfg.EmbeddingDim,
	)
	container.Register("embedder", embedder)

	// 2. 向量存储与记忆层
	store := vector.NewMemoryStore()
	container.Register("vector", store)

	memoryService, err := services.NewMemoryService(store, embedder, cfg.GlobalCollection)
	if err != nil {
		return fmt.Errorf("初始化记忆服务失败: %w", err)
	}
	container.Register("memory", memoryService)

	// 3. 持久化服务
	scriptService := services.NewScriptService(filepath.Join(cfg.DataDir, "scripts"))
	container.Register("script", scriptService)

	gameService := services.NewGameService(filepath.Join(cfg.DataDir, "games"))
	container.Register("game", gameService)

	// 4. 传输与消息
	hub := api.NewGameHub()
	container.Register("hub", hub)

	messageService := services.NewMessageService(hub)
	container.Register("message", messageService)

	// 5. 智能体与讨论机
	agentService := services.NewAgentService(llmService)
	container.Register("agent", agentService)

	timerService := services.NewTimerService()
	container.Register("timer", timerService)

	discussionService := services.NewDiscussionService(
		timerService,
		agentService,
		messageService,
		memoryService,
		scriptService,
		gameService,
		services.DefaultPhaseDurations(),
	)
	container.Register("discussion", discussionService)

	// 6. 开局工作流引擎
	engine := workflow.NewEngine(workflow.Deps{
		Agents:   agentService,
		Scripts:  scriptService,
		Games:    gameService,
		Memory:   memoryService,
		Messages: messageService,
	})
	container.Register("workflow", engine)

	log.Printf("✅ 服务初始化完成，共注册 %d 个服务", len(container.GetNames()))
	return nil
}

// Cleanup 关闭需要显式释放的服务
func Cleanup() {
	container := di.GetContainer()

	if hub, ok := container.Get("hub").(*api.GameHub); ok {
		hub.Shutdown()
	}
}
