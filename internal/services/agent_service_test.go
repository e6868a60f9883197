// internal/services/agent_service_test.go
package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/JubenshaMCP/internal/llm"
	"github.com/Corphon/JubenshaMCP/internal/models"
)

// scriptedReply 当前测试注入的脚本化回复，由scriptedProvider读取
var scriptedReply func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

// scriptedProvider 测试用的脚本化LLM提供者
type scriptedProvider struct{}

func (p *scriptedProvider) Initialize(config map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                           { return "scripted" }
func (p *scriptedProvider) GetSupportedModels() []string              { return []string{"scripted-v1"} }

func (p *scriptedProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if scriptedReply == nil {
		return nil, errors.New("没有配置脚本化回复")
	}
	return scriptedReply(req)
}

func init() {
	llm.Register("scripted", func() llm.Provider { return &scriptedProvider{} })
}

// newScriptedAgentService 构造挂在脚本化提供者上的智能体服务
func newScriptedAgentService(t *testing.T, reply func(req llm.CompletionRequest) (*llm.CompletionResponse, error)) *AgentService {
	t.Helper()
	scriptedReply = reply
	t.Cleanup(func() { scriptedReply = nil })

	llmService := NewEmptyLLMService()
	require.NoError(t, llmService.SetProvider("scripted", map[string]string{"api_key": "test"}))
	return NewAgentService(llmService)
}

func textReply(text string) func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Text: text}, nil
	}
}

func TestValidateMessageVerdictParsing(t *testing.T) {
	cases := []struct {
		name    string
		reply   string
		content string
		allowed bool
	}{
		{"标准VALID", "VALID", "我昨晚在书房", true},
		{"小写valid", "valid", "我有不在场证明", true},
		{"带理由的INVALID", "INVALID：涉及人身攻击", "你就是个笨蛋", false},
		{"小写invalid", "invalid", "聊点别的吧", false},
		{"无法识别的输出", "也许可以吧", "我怀疑管家", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newScriptedAgentService(t, textReply(tc.reply))
			assert.Equal(t, tc.allowed, svc.ValidateMessage(context.Background(), tc.content))
		})
	}
}

func TestValidateMessageAllowsOnProviderFailure(t *testing.T) {
	svc := newScriptedAgentService(t, func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("上游超时")
	})
	assert.True(t, svc.ValidateMessage(context.Background(), "发言内容"))
}

func TestAgentsFallBackWhenLLMNotReady(t *testing.T) {
	svc := NewAgentService(NewEmptyLLMService())
	ctx := context.Background()
	character := &models.Character{Name: "管家", Background: "服务庄园三十年", Secret: "深夜去过书房"}

	assert.Equal(t, fallbackStatement, svc.PlayerStatement(ctx, character, ""))
	assert.Equal(t, fallbackStatement, svc.PlayerReply(ctx, character, "", "你昨晚在哪里？"))
	assert.Equal(t, fallbackScoring, svc.ScoreAnswers(ctx, &models.Script{Name: "庄园疑云"}, map[string]string{"p1": "凶手是管家"}))
	assert.Equal(t, fallbackSummary, svc.SummarizeDiscussion(ctx, []string{"张三: 我怀疑管家"}))
	assert.Equal(t, fallbackNarration, svc.NarrateFirstInvestigation(ctx, &models.Script{Name: "庄园疑云"}, nil))

	_, err := svc.GenerateScript(ctx, "民国庄园", 5, models.DifficultyMedium, "")
	assert.Error(t, err)
}

func TestScoreAnswersSkipsLLMWhenEmpty(t *testing.T) {
	svc := newScriptedAgentService(t, func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		t.Fatal("没有答案时不应调用LLM")
		return nil, nil
	})

	result := svc.ScoreAnswers(context.Background(), &models.Script{}, nil)
	assert.Equal(t, "没有玩家提交答案，本局无法评分。", result)
}

func TestSummarizeDiscussionSkipsLLMWhenEmpty(t *testing.T) {
	svc := newScriptedAgentService(t, func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		t.Fatal("没有讨论记录时不应调用LLM")
		return nil, nil
	})

	result := svc.SummarizeDiscussion(context.Background(), nil)
	assert.Equal(t, "本轮没有讨论记录。", result)
}

func TestGenerateScriptCarriesThemeAndFeedback(t *testing.T) {
	var captured llm.CompletionRequest
	svc := newScriptedAgentService(t, func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		captured = req
		return &llm.CompletionResponse{Text: `{"name":"庄园疑云"}`}, nil
	})

	text, err := svc.GenerateScript(context.Background(), "民国庄园", 6, models.DifficultyHard, "缺少characters字段")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"庄园疑云"}`, text)
	assert.Contains(t, captured.Prompt, "民国庄园")
	assert.Contains(t, captured.Prompt, fmt.Sprintf("玩家人数：%d", 6))
	assert.Contains(t, captured.Prompt, "缺少characters字段")
	assert.Contains(t, captured.SystemPrompt, "JSON")
}

func TestCompleteWithFallbackTrimsWhitespace(t *testing.T) {
	svc := newScriptedAgentService(t, textReply("  我昨晚一直在厨房。  \n"))
	character := &models.Character{Name: "厨娘"}

	statement := svc.PlayerStatement(context.Background(), character, "")
	assert.Equal(t, "我昨晚一直在厨房。", statement)
}
