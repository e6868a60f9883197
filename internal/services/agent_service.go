// internal/services/agent_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Corphon/JubenshaMCP/internal/llm"
	"github.com/Corphon/JubenshaMCP/internal/models"
)

// 各智能体调用失败时的兜底文案
const (
	fallbackStatement = "（该玩家沉默不语，似乎在整理思路）"
	fallbackScoring   = "评分服务暂时不可用，请主持人稍后重试。"
	fallbackSummary   = "本轮讨论的总结暂时无法生成。"
	fallbackNarration = "调查现场一片寂静，等待玩家们的下一步行动。"
)

// AgentService 承载对局中的四类智能体：
// 剧本生成器、DM（主持人）、AI玩家和裁判。
// 所有LLM调用经过限流器和熔断器，失败时降级为安全兜底文案。
type AgentService struct {
	llmService *LLMService
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
}

// NewAgentService 创建智能体服务
func NewAgentService(llmService *LLMService) *AgentService {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-agent",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("⚠️ 熔断器 %s 状态变化: %s -> %s", name, from, to)
		},
	})

	return &AgentService{
		llmService: llmService,
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Every(500*time.Millisecond), 4),
	}
}

// complete 统一的LLM调用入口：先限流，再过熔断器
func (s *AgentService) complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("等待限流许可失败: %w", err)
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.llmService.CompleteText(ctx, llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			Prompt:       prompt,
			Temperature:  0.7,
		})
	})
	if err != nil {
		return "", err
	}
	return result.(*llm.CompletionResponse).Text, nil
}

// completeWithFallback 调用失败时记录日志并返回兜底文案
func (s *AgentService) completeWithFallback(ctx context.Context, systemPrompt, prompt, fallback string) string {
	text, err := s.complete(ctx, systemPrompt, prompt)
	if err != nil {
		log.Printf("⚠️ 智能体调用失败，使用兜底文案: %v", err)
		return fallback
	}
	return strings.TrimSpace(text)
}

// ========================================
// 剧本生成器
// ========================================

const scriptGeneratorSystem = `你是一位资深的剧本杀编剧。根据给定的主题和人数生成完整的剧本，
输出必须是一个JSON对象，包含以下字段：
name（剧本名）、description（案件背景）、timeline（案件时间线）、
difficulty（EASY/MEDIUM/HARD）、duration（预计时长分钟数）、
characters（角色数组，每个角色包含name、description、background、secret、timeline）、
scenes（场景数组，每个场景包含name、description）、
clues（线索数组，每条线索包含name、description、type、visibility、scene_name、importance）。
只输出JSON，不要输出任何解释文字。`

// GenerateScript 生成剧本的原始JSON文本。
// feedback非空时作为上一次解析失败的纠错反馈附加到提示词中。
func (s *AgentService) GenerateScript(ctx context.Context, theme string, playerCount int, difficulty models.DifficultyLevel, feedback string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "主题：%s\n玩家人数：%d\n期望难度：%s\n", theme, playerCount, difficulty)
	if feedback != "" {
		fmt.Fprintf(&sb, "\n上一次生成的内容无法解析，错误信息：%s\n请修正后重新输出完整JSON。\n", feedback)
	}

	text, err := s.complete(ctx, scriptGeneratorSystem, sb.String())
	if err != nil {
		return "", fmt.Errorf("生成剧本失败: %w", err)
	}
	return text, nil
}

// ========================================
// DM（主持人）
// ========================================

const dmSystem = `你是剧本杀对局的主持人（DM）。你负责推进流程、描绘现场、
在对局结束时逐一点评每位玩家的答案。语气沉稳克制，不剧透真相之外的信息。`

// NarrateFirstInvestigation 生成第一轮调查的开场叙述
func (s *AgentService) NarrateFirstInvestigation(ctx context.Context, script *models.Script, scenes []models.Scene) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "剧本：%s\n背景：%s\n\n可调查的场景：\n", script.Name, script.Description)
	for _, scene := range scenes {
		fmt.Fprintf(&sb, "- %s：%s\n", scene.Name, scene.Description)
	}
	sb.WriteString("\n请以主持人的口吻宣布第一轮调查开始，简要描绘现场氛围并引导玩家选择场景调查。")

	return s.completeWithFallback(ctx, dmSystem, sb.String(), fallbackNarration)
}

// AnnouncePhase 阶段切换时由DM宣布进入新环节
func (s *AgentService) AnnouncePhase(ctx context.Context, phase models.GamePhase, round int) string {
	prompt := fmt.Sprintf("对局进入第%d轮的%s阶段。请以主持人的口吻用一两句话宣布环节开始，并提示玩家此环节该做什么。",
		round, phaseName(phase))
	return s.completeWithFallback(ctx, dmSystem, prompt, phaseFallback(phase, round))
}

// phaseName 阶段的中文名称，用于DM提示词
func phaseName(phase models.GamePhase) string {
	switch phase {
	case models.PhaseStatement:
		return "陈述"
	case models.PhaseFreeDiscussion:
		return "自由讨论"
	case models.PhasePrivateChat:
		return "私聊"
	case models.PhaseAnswer:
		return "答题"
	}
	return string(phase)
}

// phaseFallback DM不可用时的静态环节宣布文案
func phaseFallback(phase models.GamePhase, round int) string {
	switch phase {
	case models.PhaseStatement:
		if round > 1 {
			return fmt.Sprintf("进入第%d轮，重新开始陈述环节", round)
		}
		return "讨论开始，进入陈述环节"
	case models.PhaseFreeDiscussion:
		return "进入自由讨论环节"
	case models.PhasePrivateChat:
		return "进入私聊环节"
	case models.PhaseAnswer:
		return "进入答题环节，请提交你的推理答案"
	}
	return "进入下一环节"
}

// ScoreAnswers 对局结束时由DM逐一点评玩家提交的答案
func (s *AgentService) ScoreAnswers(ctx context.Context, script *models.Script, answers map[string]string) string {
	if len(answers) == 0 {
		return "没有玩家提交答案，本局无法评分。"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "剧本：%s\n案件时间线：%s\n\n玩家提交的答案：\n", script.Name, script.Timeline)
	for playerID, answer := range answers {
		fmt.Fprintf(&sb, "玩家 %s：%s\n", playerID, answer)
	}
	sb.WriteString("\n请逐一点评每位玩家的答案是否接近真相，并给出0到100的评分，最后公布真相。")

	return s.completeWithFallback(ctx, dmSystem, sb.String(), fallbackScoring)
}

// ========================================
// AI玩家
// ========================================

// PlayerStatement 陈述环节：AI玩家以所扮演角色的身份发言。
// memoryContext为从记忆层检索到的相关对话与线索摘要。
func (s *AgentService) PlayerStatement(ctx context.Context, character *models.Character, memoryContext string) string {
	system := fmt.Sprintf(`你正在一场剧本杀中扮演角色"%s"。
角色背景：%s
角色秘密：%s
以第一人称发言，维护角色立场，不得直接暴露自己的秘密。`,
		character.Name, character.Background, character.Secret)

	prompt := "现在是陈述环节，轮到你发言。请陈述你所知道的案件相关信息和你的不在场证明。"
	if memoryContext != "" {
		prompt = "你记得以下相关信息：\n" + memoryContext + "\n\n" + prompt
	}

	return s.completeWithFallback(ctx, system, prompt, fallbackStatement)
}

// PlayerReply 自由讨论或私聊环节：AI玩家针对他人发言做出回应
func (s *AgentService) PlayerReply(ctx context.Context, character *models.Character, memoryContext, incoming string) string {
	system := fmt.Sprintf(`你正在一场剧本杀中扮演角色"%s"。
角色背景：%s
角色秘密：%s
以第一人称回应，维护角色立场，不得直接暴露自己的秘密。`,
		character.Name, character.Background, character.Secret)

	var sb strings.Builder
	if memoryContext != "" {
		fmt.Fprintf(&sb, "你记得以下相关信息：\n%s\n\n", memoryContext)
	}
	fmt.Fprintf(&sb, "其他玩家对你说：%s\n请做出回应。", incoming)

	return s.completeWithFallback(ctx, system, sb.String(), fallbackStatement)
}

// ========================================
// 裁判
// ========================================

const judgeSystem = `你是剧本杀对局的裁判。你负责审核玩家发言是否符合规则
（不得人身攻击、不得讨论与对局无关的现实话题、不得直接公布他人秘密），
以及在阶段结束时总结讨论要点。`

// ValidateMessage 审核一条讨论发言。
// 模型输出VALID/INVALID（大小写不敏感）；调用失败或输出无法识别时放行。
func (s *AgentService) ValidateMessage(ctx context.Context, content string) bool {
	prompt := fmt.Sprintf("请审核以下发言是否合规，只回答VALID或INVALID：\n%s", content)

	text, err := s.complete(ctx, judgeSystem, prompt)
	if err != nil {
		log.Printf("⚠️ 裁判审核调用失败，默认放行: %v", err)
		return true
	}

	verdict := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case strings.HasPrefix(verdict, "INVALID"):
		return false
	case strings.HasPrefix(verdict, "VALID"):
		return true
	default:
		log.Printf("⚠️ 裁判输出无法识别，默认放行: %q", text)
		return true
	}
}

// SummarizeDiscussion 阶段结束时由裁判总结讨论记录
func (s *AgentService) SummarizeDiscussion(ctx context.Context, entries []string) string {
	if len(entries) == 0 {
		return "本轮没有讨论记录。"
	}

	var sb strings.Builder
	sb.WriteString("以下是本轮讨论的完整记录：\n")
	for _, entry := range entries {
		sb.WriteString("- " + entry + "\n")
	}
	sb.WriteString("\n请总结讨论要点：各玩家的主要观点、提出的怀疑对象和尚未解开的疑点。")

	return s.completeWithFallback(ctx, judgeSystem, sb.String(), fallbackSummary)
}
