// internal/workflow/engine_test.go
package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/JubenshaMCP/internal/llm"
	"github.com/Corphon/JubenshaMCP/internal/models"
	"github.com/Corphon/JubenshaMCP/internal/services"
	"github.com/Corphon/JubenshaMCP/internal/vector"
)

// 剧本生成器的脚本化输出：3角色、2场景、2线索（一公开一私有）
const sampleScriptJSON = `{
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
    {"name": "书房", "description": "案发现场，书桌上有打翻的茶杯。"},
    {"name": "花园", "description": "通往后门的必经之路。"}
  ],
  "clues": [
    {"name": "茶杯残渣", "description": "杯底有可疑的白色粉末。", "type": "PHYSICAL", "visibility": "PUBLIC", "scene_name": "书房", "importance": 5},
    {"name": "威胁信", "description": "抽屉深处一封未寄出的威胁信。", "type": "DOCUMENT", "visibility": "PRIVATE", "scene_name": "管家", "importance": 4}
  ]
}`

// wfReply 当前测试注入的LLM回复脚本
var wfReply func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

type wfProvider struct{}

func (p *wfProvider) Initialize(config map[string]string) error { return nil }
func (p *wfProvider) GetName() string                           { return "wf-scripted" }
func (p *wfProvider) GetSupportedModels() []string              { return []string{"wf-scripted-v1"} }

func (p *wfProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if wfReply == nil {
		return nil, errors.New("没有配置脚本化回复")
	}
	return wfReply(req)
}

func init() {
	llm.Register("wf-scripted", func() llm.Provider { return &wfProvider{} })
}

// stubEmbedder 首字节确定性嵌入；空文本和含skip子串的文本返回nil，
// 与真实嵌入服务对无法嵌入内容的跳过语义一致
type stubEmbedder struct {
	dim  int
	skip string
}

func (e stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	if e.skip != "" && strings.Contains(text, e.skip) {
		return nil, nil
	}
	vec := make([]float32, e.dim)
	for i := range vec {
		vec[i] = float32(text[0]) / 255
	}
	return vec, nil
}

func (e stubEmbedder) Dimension() int { return e.dim }

// scriptGeneratorReply 对剧本生成器返回固定JSON，对其他智能体返回普通文本
func scriptGeneratorReply(scriptJSON string) func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.SystemPrompt, "编剧") {
			return &llm.CompletionResponse{Text: scriptJSON}, nil
		}
		return &llm.CompletionResponse{Text: "夜色沉沉，第一轮调查开始。"}, nil
	}
}

func newTestEngine(t *testing.T, reply func(req llm.CompletionRequest) (*llm.CompletionResponse, error)) (*Engine, Deps) {
	t.Helper()
	return newTestEngineWithEmbedder(t, reply, stubEmbedder{dim: 4})
}

func newTestEngineWithEmbedder(t *testing.T, reply func(req llm.CompletionRequest) (*llm.CompletionResponse, error), embedder stubEmbedder) (*Engine, Deps) {
	t.Helper()
	wfReply = reply
	t.Cleanup(func() { wfReply = nil })

	llmService := services.NewEmptyLLMService()
	require.NoError(t, llmService.SetProvider("wf-scripted", map[string]string{"api_key": "test"}))

	memory, err := services.NewMemoryService(vector.NewMemoryStore(), embedder, "global_memory")
	require.NoError(t, err)

	deps := Deps{
		Agents:   services.NewAgentService(llmService),
		Scripts:  services.NewScriptService(t.TempDir()),
		Games:    services.NewGameService(t.TempDir()),
		Memory:   memory,
		Messages: services.NewMessageService(nil),
	}
	return NewEngine(deps), deps
}

func TestRunCompletesWorkflow(t *testing.T) {
	engine, deps := newTestEngine(t, scriptGeneratorReply(sampleScriptJSON))

	sc := engine.Run(context.Background(), Premise{
		Theme:        "民国庄园",
		PlayerCount:  3,
		HumanCount:   1,
		HumanPlayers: []string{"alice"},
	})

	require.True(t, sc.Succeeded, "工作流应当成功: %s", sc.LastError)
	assert.Empty(t, sc.LastError)
	assert.Equal(t, StepFirstInvestigation, sc.CurrentStep)
	assert.NotEmpty(t, sc.SessionID)
	assert.NotEmpty(t, sc.ScriptID)
	require.NotNil(t, sc.Script)
	assert.Equal(t, "庄园疑云", sc.Script.Name)

	// 并行分支的合并结果
	assert.Len(t, sc.Scenes, 2)
	assert.Len(t, sc.Characters, 3)
	assert.Len(t, sc.Clues, 2)

	// 角色分配：1真人 + 2AI，无空缺
	require.Len(t, sc.Assignments, 3)
	assert.Equal(t, "alice", sc.Assignments[0].PlayerID)
	assert.Equal(t, models.PlayerHuman, sc.Assignments[0].PlayerType)
	for _, a := range sc.Assignments[1:] {
		assert.Equal(t, models.PlayerAI, a.PlayerType)
		assert.True(t, strings.HasPrefix(a.PlayerID, "ai_"))
	}
	assert.Empty(t, sc.UnassignedRoles)
	assert.True(t, strings.HasPrefix(sc.DMID, "dm_"))
	assert.True(t, strings.HasPrefix(sc.JudgeID, "judge_"))

	// 线索已写入全局记忆并建立了映射
	require.Len(t, sc.ClueMemoryIDs, 2)
	for _, clue := range sc.Clues {
		assert.NotEmpty(t, sc.ClueMemoryIDs[clue.ID])
	}
	assert.NotEmpty(t, sc.OpeningNarration)

	// 剧本和对局都已持久化
	persisted, err := deps.Scripts.GetScript(sc.ScriptID)
	require.NoError(t, err)
	assert.Equal(t, sc.Script.Name, persisted.Name)

	game, err := deps.Games.GetGame(sc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.GameRunning, game.Status)
	assert.Len(t, game.Assignments, 3)

	// AI玩家的对话记忆里已经有角色剧本和公开线索
	aiPlayer := sc.Assignments[1].PlayerID
	rows, err := deps.Memory.SearchConversationMemory(context.Background(), sc.SessionID, aiPlayer, "线索", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}

func TestClueMappingSkipsUnembeddableClue(t *testing.T) {
	engine, deps := newTestEngineWithEmbedder(t, scriptGeneratorReply(sampleScriptJSON), stubEmbedder{dim: 4, skip: "茶杯残渣"})

	sc := engine.Run(context.Background(), Premise{
		Theme:        "民国庄园",
		PlayerCount:  3,
		HumanCount:   1,
		HumanPlayers: []string{"alice"},
	})
	require.True(t, sc.Succeeded, "工作流应当成功: %s", sc.LastError)

	var skipped, kept models.Clue
	for _, clue := range sc.Clues {
		if clue.Name == "茶杯残渣" {
			skipped = clue
		} else {
			kept = clue
		}
	}
	require.NotEmpty(t, skipped.ID)
	require.NotEmpty(t, kept.ID)

	// 无法嵌入的线索没有写进全局记忆，不能出现在映射里
	_, ok := sc.ClueMemoryIDs[skipped.ID]
	assert.False(t, ok, "被跳过的线索不应有记忆ID")

	// 另一条线索必须映射到它自己的记忆记录
	keptID := sc.ClueMemoryIDs[kept.ID]
	require.NotEmpty(t, keptID)
	results, err := deps.Memory.SearchGlobalMemory(context.Background(), sc.ScriptID, "", models.MemoryClue, "威胁信", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, keptID, results[0].ID)
	assert.Contains(t, results[0].Content, "威胁信")
}

func TestRunAcceptsFencedScriptJSON(t *testing.T) {
	fenced := "```json\n" + sampleScriptJSON + "\n```"
	engine, _ := newTestEngine(t, scriptGeneratorReply(fenced))

	sc := engine.Run(context.Background(), Premise{Theme: "民国庄园", PlayerCount: 3})
	require.True(t, sc.Succeeded, "围栏包裹的JSON应当被接受: %s", sc.LastError)
	assert.Equal(t, "庄园疑云", sc.Script.Name)
}

func TestRunFailsWhenScriptUnparseable(t *testing.T) {
	calls := 0
	engine, _ := newTestEngine(t, func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		calls++
		return &llm.CompletionResponse{Text: "这不是JSON"}, nil
	})

	sc := engine.Run(context.Background(), Premise{Theme: "民国庄园"})

	assert.False(t, sc.Succeeded)
	assert.Equal(t, StepScriptGeneration, sc.CurrentStep)
	assert.Contains(t, sc.LastError, "剧本生成失败")
	assert.Empty(t, sc.ScriptID)
	// 第一次解析失败后带错误反馈重试了一次
	assert.Equal(t, 2, calls)
}

func TestRunRetriesWithFeedbackOnce(t *testing.T) {
	calls := 0
	engine, _ := newTestEngine(t, func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if !strings.Contains(req.SystemPrompt, "编剧") {
			return &llm.CompletionResponse{Text: "调查开始。"}, nil
		}
		calls++
		if calls == 1 {
			return &llm.CompletionResponse{Text: "第一次输出坏掉了"}, nil
		}
		// 重试的提示词应当携带上一次的解析错误
		if !strings.Contains(req.Prompt, "无法解析") {
			return nil, errors.New("重试请求缺少纠错反馈")
		}
		return &llm.CompletionResponse{Text: sampleScriptJSON}, nil
	})

	sc := engine.Run(context.Background(), Premise{Theme: "民国庄园", PlayerCount: 3})
	require.True(t, sc.Succeeded, "重试后应当成功: %s", sc.LastError)
	assert.Equal(t, 2, calls)
}

func TestRoleAllocationSaturatesHumans(t *testing.T) {
	engine, deps := newTestEngine(t, scriptGeneratorReply(sampleScriptJSON))

	scriptID := "s-saturate"
	require.NoError(t, deps.Scripts.SaveScript(&models.Script{ID: scriptID, Name: "两角剧本"}))
	require.NoError(t, deps.Scripts.SaveCharacters(scriptID, []models.Character{
		{Name: "角色甲"},
		{Name: "角色乙"},
	}))

	sc := &SessionContext{
		SessionID: "g-saturate",
		ScriptID:  scriptID,
		Premise:   Premise{HumanCount: 5, HumanPlayers: []string{"alice", "bob"}},
	}
	require.NoError(t, engine.roleAllocation(context.Background(), sc))

	// 真人数量超过角色总数时按角色数饱和，不产生AI玩家
	require.Len(t, sc.Assignments, 2)
	assert.Equal(t, "alice", sc.Assignments[0].PlayerID)
	assert.Equal(t, "bob", sc.Assignments[1].PlayerID)
	for _, a := range sc.Assignments {
		assert.Equal(t, models.PlayerHuman, a.PlayerType)
	}
	assert.Empty(t, sc.UnassignedRoles)
}

func TestRoleAllocationFillsMissingHumanIDs(t *testing.T) {
	engine, deps := newTestEngine(t, scriptGeneratorReply(sampleScriptJSON))

	scriptID := "s-autofill"
	require.NoError(t, deps.Scripts.SaveScript(&models.Script{ID: scriptID, Name: "三角剧本"}))
	require.NoError(t, deps.Scripts.SaveCharacters(scriptID, []models.Character{
		{Name: "角色甲"},
		{Name: "角色乙"},
		{Name: "角色丙"},
	}))

	sc := &SessionContext{
		SessionID: "g-autofill",
		ScriptID:  scriptID,
		Premise:   Premise{HumanCount: 2, HumanPlayers: []string{"alice"}},
	}
	require.NoError(t, engine.roleAllocation(context.Background(), sc))

	require.Len(t, sc.Assignments, 3)
	assert.Equal(t, "alice", sc.Assignments[0].PlayerID)
	// 第二个真人席位没有给定玩家，自动补建ID
	assert.True(t, strings.HasPrefix(sc.Assignments[1].PlayerID, "human_"))
	assert.Equal(t, models.PlayerHuman, sc.Assignments[1].PlayerType)
	assert.Equal(t, models.PlayerAI, sc.Assignments[2].PlayerType)
}

func TestRoleAllocationRejectsEmptyScript(t *testing.T) {
	engine, deps := newTestEngine(t, scriptGeneratorReply(sampleScriptJSON))

	scriptID := "s-empty"
	require.NoError(t, deps.Scripts.SaveScript(&models.Script{ID: scriptID, Name: "空剧本"}))
	require.NoError(t, deps.Scripts.SaveCharacters(scriptID, nil))

	sc := &SessionContext{
		SessionID: "g-empty",
		ScriptID:  scriptID,
		Premise:   Premise{HumanCount: 1},
	}
	assert.Error(t, engine.roleAllocation(context.Background(), sc))
}

func TestParallelLoadingMergesDisjointFields(t *testing.T) {
	engine, deps := newTestEngine(t, scriptGeneratorReply(sampleScriptJSON))

	scriptID := "s-merge"
	require.NoError(t, deps.Scripts.SaveScript(&models.Script{ID: scriptID, Name: "合并测试", Timeline: "晚上十点案发"}))
	require.NoError(t, deps.Scripts.SaveCharacters(scriptID, []models.Character{
		{Name: "角色甲", Timeline: "十点在厨房"},
	}))
	require.NoError(t, deps.Scripts.SaveScenes(scriptID, []models.Scene{
		{Name: "书房", Description: "案发现场"},
		{Name: "花园", Description: "后门通道"},
	}))

	sc := &SessionContext{
		SessionID: "g-merge",
		ScriptID:  scriptID,
		Script:    &models.Script{ID: scriptID, Timeline: "晚上十点案发"},
	}
	require.NoError(t, engine.runParallelLoading(context.Background(), sc))

	assert.Len(t, sc.Scenes, 2)
	assert.Len(t, sc.Characters, 1)
	assert.Equal(t, StepCharacterLoading, sc.CurrentStep)
}

func TestParallelLoadingReportsFailedBranch(t *testing.T) {
	engine, _ := newTestEngine(t, scriptGeneratorReply(sampleScriptJSON))

	// 不存在的剧本：两个分支都会失败，步骤名归属到其中一个失败分支
	sc := &SessionContext{SessionID: "g-missing", ScriptID: "no-such-script"}
	err := engine.runParallelLoading(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, []string{StepSceneLoading, StepCharacterLoading}, sc.CurrentStep)
}
