// internal/api/handlers_test.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/JubenshaMCP/internal/config"
	"github.com/Corphon/JubenshaMCP/internal/llm"
	"github.com/Corphon/JubenshaMCP/internal/models"
	"github.com/Corphon/JubenshaMCP/internal/services"
	"github.com/Corphon/JubenshaMCP/internal/vector"
	"github.com/Corphon/JubenshaMCP/internal/workflow"
)

const apiSampleScriptJSON = `{
  "name": "庄园疑云",
  "description": "民国年间，庄园主人深夜离奇身亡。",
  "timeline": "晚上十点晚宴结束，十一点半发现尸体。",
  "difficulty": "MEDIUM",
  "duration": 180,
  "characters": [
    {"name": "管家", "description": "老成持重", "background": "服务庄园三十年", "secret": "深夜去过书房", "timeline": "十点半在厨房清点餐具"},
    {"name": "大小姐", "description": "骄纵任性", "background": "庄园独女", "secret": "正计划私奔", "timeline": "十点回到卧室"},
    {"name": "医生", "description": "沉默寡言", "background": "庄园常客", "secret": "欠下巨额赌债", "timeline": "十一点离开客厅"}
  ],
  "scenes": [
    {"name": "书房", "description": "案发现场，书桌上有打翻的茶杯。"}
  ],
  "clues": [
    {"name": "茶杯残渣", "description": "杯底有可疑的白色粉末。", "type": "PHYSICAL", "visibility": "PUBLIC", "scene_name": "书房", "importance": 5}
  ]
}`

// apiReply 当前测试注入的LLM回复脚本
var apiReply func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

type apiProvider struct{}

func (p *apiProvider) Initialize(config map[string]string) error { return nil }
func (p *apiProvider) GetName() string                           { return "api-scripted" }
func (p *apiProvider) GetSupportedModels() []string              { return []string{"api-scripted-v1"} }

func (p *apiProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if apiReply == nil {
		return nil, errors.New("没有配置脚本化回复")
	}
	return apiReply(req)
}

func init() {
	gin.SetMode(gin.TestMode)
	llm.Register("api-scripted", func() llm.Provider { return &apiProvider{} })
}

// constEmbedder 对所有非空文本返回同一向量，空文本返回nil
type constEmbedder struct{ dim int }

func (e constEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	vec := make([]float32, e.dim)
	for i := range vec {
		vec[i] = 0.5
	}
	return vec, nil
}

func (e constEmbedder) Dimension() int { return e.dim }

// initTestConfig 把覆盖项写入临时config.json并重新初始化配置单例
func initTestConfig(t *testing.T, overrides map[string]interface{}) {
	t.Helper()
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LOG_DIR", t.TempDir())

	dir := t.TempDir()
	if len(overrides) > 0 {
		data, err := json.Marshal(overrides)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0644))
	}
	require.NoError(t, config.InitConfig(dir))
}

func newTestHandler(t *testing.T, reply func(req llm.CompletionRequest) (*llm.CompletionResponse, error)) *Handler {
	t.Helper()
	apiReply = reply
	t.Cleanup(func() { apiReply = nil })

	llmService := services.NewEmptyLLMService()
	require.NoError(t, llmService.SetProvider("api-scripted", map[string]string{"api_key": "test"}))

	memory, err := services.NewMemoryService(vector.NewMemoryStore(), constEmbedder{dim: 4}, "global_memory")
	require.NoError(t, err)

	scripts := services.NewScriptService(t.TempDir())
	games := services.NewGameService(t.TempDir())
	agents := services.NewAgentService(llmService)
	messages := services.NewMessageService(nil)

	engine := workflow.NewEngine(workflow.Deps{
		Agents:   agents,
		Scripts:  scripts,
		Games:    games,
		Memory:   memory,
		Messages: messages,
	})
	discussion := services.NewDiscussionService(
		services.NewTimerService(), agents, messages, memory, scripts, games,
		services.DefaultPhaseDurations())
	return NewHandler(engine, discussion, scripts, games, memory, nil)
}

func scriptedAPIReply(scriptJSON string) func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.SystemPrompt, "编剧") {
			return &llm.CompletionResponse{Text: scriptJSON}, nil
		}
		return &llm.CompletionResponse{Text: "夜色沉沉，调查开始。"}, nil
	}
}

func postJSON(t *testing.T, router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateSessionDefaultsHumanCountFromConfig(t *testing.T) {
	initTestConfig(t, map[string]interface{}{"default_human_count": 2})
	h := newTestHandler(t, scriptedAPIReply(apiSampleScriptJSON))

	router := gin.New()
	router.POST("/api/sessions", h.CreateSession)

	// 开局请求没有human_count，默认值取自配置而不是写死的1
	w := postJSON(t, router, "/api/sessions", `{"theme":"民国庄园","player_count":3}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Succeeded   bool                    `json:"succeeded"`
			LastError   string                  `json:"last_error"`
			Assignments []models.RoleAssignment `json:"assignments"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Data.Succeeded, "工作流应当成功: %s", resp.Data.LastError)

	humans := 0
	for _, a := range resp.Data.Assignments {
		if a.PlayerType == models.PlayerHuman {
			humans++
		}
	}
	assert.Equal(t, 2, humans)
}

func TestMemorySearchDefaultsTopKFromConfig(t *testing.T) {
	initTestConfig(t, map[string]interface{}{"conversation_top_k": 4})
	h := newTestHandler(t, scriptedAPIReply(apiSampleScriptJSON))

	ctx := context.Background()
	for _, content := range []string{"clue-a", "clue-b", "clue-c", "clue-d", "clue-e", "clue-f", "clue-g"} {
		_, err := h.Memory.InsertConversationMemory(ctx, "g1", "p1", "张三", content)
		require.NoError(t, err)
	}
	h.sessions.Store("g1", &workflow.SessionContext{SessionID: "g1"})

	router := gin.New()
	router.POST("/api/sessions/:id/memory/search", h.SearchConversationMemory)

	// 请求没有top_k，返回条数由配置决定而不是写死的5
	w := postJSON(t, router, "/api/sessions/g1/memory/search", `{"query":"clue"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool                        `json:"success"`
		Data    []models.ConversationMemory `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data, 4)
}
