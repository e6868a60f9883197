// internal/services/discussion_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/JubenshaMCP/internal/models"
)

// 讨论机的默认参数
const (
	DefaultPrivateChatQuota = 2
	MaxDiscussionRounds     = 2
)

// PhaseDurations 各阶段的倒计时时长。
// 测试中注入较短的时长以验证定时器行为。
type PhaseDurations struct {
	Statement      time.Duration
	FreeDiscussion time.Duration
	PrivateChat    time.Duration
	Answer         time.Duration
	PairChat       time.Duration // 单次私聊会话的时长
}

// DefaultPhaseDurations 返回正式对局的阶段时长
func DefaultPhaseDurations() PhaseDurations {
	return PhaseDurations{
		Statement:      300 * time.Second,
		FreeDiscussion: 1800 * time.Second,
		PrivateChat:    1200 * time.Second,
		Answer:         600 * time.Second,
		PairChat:       180 * time.Second,
	}
}

// discussionState 一个对局的讨论机内部状态，全部访问经过服务级锁
type discussionState struct {
	GameID           string
	Round            int
	Phase            models.GamePhase
	PhaseStartedAt   time.Time
	Participants     map[string]bool
	ParticipantOrder []string
	DMID             string
	JudgeID          string
	AIRoles          map[string]*models.Character
	Answers          map[string]string
	PrivateChatQuota map[string]int
	PrivateChatLog   map[string][]string
	DiscussionLog    []string
	Ended            bool
	ScoringResult    string
	Summary          string
}

// DiscussionSnapshot 讨论状态的只读快照，用于状态查询和结束返回
type DiscussionSnapshot struct {
	GameID           string              `json:"game_id"`
	Round            int                 `json:"round"`
	Phase            models.GamePhase    `json:"phase"`
	PhaseStartedAt   time.Time           `json:"phase_started_at"`
	Participants     []string            `json:"participants"`
	Answers          map[string]string   `json:"answers"`
	PrivateChatQuota map[string]int      `json:"private_chat_quota"`
	PrivateChatLog   map[string][]string `json:"private_chat_log"`
	Ended            bool                `json:"ended"`
	ScoringResult    string              `json:"scoring_result,omitempty"`
	Summary          string              `json:"summary,omitempty"`
}

// DiscussionService 按对局管理讨论阶段状态机。
// 阶段切换由单发定时器驱动，同一对局的切换严格串行；
// 被取代阶段的过期定时器由TimerService的代数计数器拦截。
type DiscussionService struct {
	mu       sync.Mutex
	sessions map[string]*discussionState

	timers   *TimerService
	agents   *AgentService
	messages *MessageService
	memory   *MemoryService
	scripts  *ScriptService
	games    *GameService

	durations PhaseDurations

	// 阶段推进时是否顺带取消在途的私聊定时器。
	// 默认false：已开始的私聊允许自然超时结束。
	CancelPairTimersOnAdvance bool
}

// NewDiscussionService 创建讨论服务
func NewDiscussionService(
	timers *TimerService,
	agents *AgentService,
	messages *MessageService,
	memory *MemoryService,
	scripts *ScriptService,
	games *GameService,
	durations PhaseDurations,
) *DiscussionService {
	return &DiscussionService{
		sessions:  make(map[string]*discussionState),
		timers:    timers,
		agents:    agents,
		messages:  messages,
		memory:    memory,
		scripts:   scripts,
		games:     games,
		durations: durations,
	}
}

// ========================================
// 对外操作
// ========================================

// StartDiscussion 初始化对局的讨论状态并进入陈述阶段。
// 同一对局重复调用会重置状态并重新开始第一轮。
func (s *DiscussionService) StartDiscussion(gameID string, participants []string, dmID, judgeID string) (*DiscussionSnapshot, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("讨论至少需要一名参与者")
	}

	aiRoles := s.loadAIRoles(gameID)

	s.mu.Lock()
	st := &discussionState{
		GameID:           gameID,
		Round:            1,
		Phase:            models.PhaseStatement,
		PhaseStartedAt:   time.Now(),
		Participants:     make(map[string]bool, len(participants)),
		ParticipantOrder: append([]string(nil), participants...),
		DMID:             dmID,
		JudgeID:          judgeID,
		AIRoles:          aiRoles,
		Answers:          make(map[string]string),
		PrivateChatQuota: make(map[string]int, len(participants)),
		PrivateChatLog:   make(map[string][]string),
	}
	for _, p := range participants {
		st.Participants[p] = true
		st.PrivateChatQuota[p] = DefaultPrivateChatQuota
	}
	s.sessions[gameID] = st
	snapshot := snapshotOf(st)
	s.mu.Unlock()

	s.timers.SchedulePhase(gameID, s.durations.Statement, func() {
		s.advancePhase(gameID)
	})
	go s.announcePhase(gameID, models.PhaseStatement, 1)

	log.Printf("🎬 [%s] 讨论开始: %d名参与者, %d名AI", gameID, len(participants), len(aiRoles))
	return snapshot, nil
}

// SendPrivateChatInvitation 发出一条私聊邀请。
// 配额耗尽或接收者不是参与者时静默拒绝（记日志，不改状态，不返回错误）：
// 这是并发玩家行为的正常结果，不是故障。
func (s *DiscussionService) SendPrivateChatInvitation(gameID, senderID, receiverID string) error {
	s.mu.Lock()
	st, ok := s.sessions[gameID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("对局的讨论尚未开始: %s", gameID)
	}
	if st.Ended {
		s.mu.Unlock()
		log.Printf("💬 [%s] 讨论已结束，忽略私聊邀请: %s -> %s", gameID, senderID, receiverID)
		return nil
	}
	if !st.Participants[receiverID] {
		s.mu.Unlock()
		log.Printf("💬 [%s] 接收者不是参与者，忽略私聊邀请: %s -> %s", gameID, senderID, receiverID)
		return nil
	}
	if st.PrivateChatQuota[senderID] <= 0 {
		s.mu.Unlock()
		log.Printf("💬 [%s] 私聊配额已用完，忽略邀请: %s -> %s", gameID, senderID, receiverID)
		return nil
	}

	st.PrivateChatQuota[senderID]--
	st.PrivateChatLog[senderID] = append(st.PrivateChatLog[senderID], receiverID)
	s.mu.Unlock()

	s.messages.SendPrivateChatInvitation(gameID, senderID, receiverID)
	s.timers.SchedulePair(gameID, pairKey(senderID, receiverID), s.durations.PairChat, func() {
		s.messages.SendPrivateChatEnded(gameID, senderID, receiverID, "私聊时间已到")
	})

	log.Printf("💬 [%s] 私聊邀请已发出: %s -> %s", gameID, senderID, receiverID)
	return nil
}

// SubmitAnswer 提交或覆盖参与者的答案，后写覆盖先写
func (s *DiscussionService) SubmitAnswer(gameID, playerID, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[gameID]
	if !ok {
		return fmt.Errorf("对局的讨论尚未开始: %s", gameID)
	}
	if !st.Participants[playerID] {
		log.Printf("📝 [%s] 非参与者提交答案，忽略: %s", gameID, playerID)
		return nil
	}
	st.Answers[playerID] = answer
	return nil
}

// SendDiscussionMessage 发送一条公开讨论发言。
// 裁判先审核内容；不合规的发言只通知发送者，不进入广播和记忆。
func (s *DiscussionService) SendDiscussionMessage(ctx context.Context, gameID, senderID, senderName, content string) error {
	s.mu.Lock()
	st, ok := s.sessions[gameID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("对局的讨论尚未开始: %s", gameID)
	}
	if !st.Participants[senderID] && senderID != st.DMID {
		s.mu.Unlock()
		log.Printf("🗣️ [%s] 非参与者发言，忽略: %s", gameID, senderID)
		return nil
	}
	s.mu.Unlock()

	if !s.agents.ValidateMessage(ctx, content) {
		s.messages.SendToPlayer(gameID, senderID, "message_rejected", "你的发言未通过裁判审核")
		log.Printf("🗣️ [%s] 发言被裁判拦截: %s", gameID, senderID)
		return nil
	}

	s.mu.Lock()
	if st, ok := s.sessions[gameID]; ok {
		st.DiscussionLog = append(st.DiscussionLog, fmt.Sprintf("%s: %s", senderName, content))
	}
	s.mu.Unlock()

	s.messages.BroadcastDiscussion(gameID, senderID, senderName, content)
	s.recordConversation(ctx, gameID, senderID, senderName, content)
	s.replyToMentionedAI(gameID, senderID, content)
	return nil
}

// SendPrivateChatMessage 在私聊双方之间传递一条消息。
// 接收方是AI玩家时，由其扮演的角色异步生成并回发一条回应。
func (s *DiscussionService) SendPrivateChatMessage(ctx context.Context, gameID, senderID, receiverID, content string) error {
	s.mu.Lock()
	st, ok := s.sessions[gameID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("对局的讨论尚未开始: %s", gameID)
	}
	if !st.Participants[senderID] || !st.Participants[receiverID] {
		s.mu.Unlock()
		log.Printf("💬 [%s] 私聊双方必须都是参与者，忽略: %s -> %s", gameID, senderID, receiverID)
		return nil
	}
	receiverAI := st.AIRoles[receiverID]
	s.mu.Unlock()

	s.messages.SendPrivateChat(gameID, senderID, receiverID, content)
	s.recordConversation(ctx, gameID, senderID, senderID, content)

	if receiverAI != nil {
		go func() {
			ctx := context.Background()
			reply := s.agents.PlayerReply(ctx, receiverAI, s.recallContext(ctx, gameID, receiverID), content)

			s.mu.Lock()
			st, ok := s.sessions[gameID]
			if !ok || st.Ended {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()

			s.messages.SendPrivateChat(gameID, receiverID, senderID, reply)
			s.recordConversation(ctx, gameID, receiverID, receiverAI.Name, reply)
		}()
	}
	return nil
}

// EndDiscussion 结束对局的讨论：取消在途的阶段定时器，
// 由DM对全部答案评分、裁判总结讨论，返回最终状态快照。
// 运维侧可以绕过定时器直接调用本方法提前终止。
func (s *DiscussionService) EndDiscussion(ctx context.Context, gameID string) (*DiscussionSnapshot, error) {
	s.mu.Lock()
	st, ok := s.sessions[gameID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("对局的讨论尚未开始: %s", gameID)
	}
	if st.Ended {
		snapshot := snapshotOf(st)
		s.mu.Unlock()
		return snapshot, nil
	}
	st.Ended = true
	st.Phase = models.PhaseEnded
	st.PhaseStartedAt = time.Now()
	answers := make(map[string]string, len(st.Answers))
	for k, v := range st.Answers {
		answers[k] = v
	}
	entries := append([]string(nil), st.DiscussionLog...)
	s.mu.Unlock()

	if s.CancelPairTimersOnAdvance {
		s.timers.CancelAll(gameID)
	} else {
		s.timers.CancelPhase(gameID)
	}

	script := s.loadScript(gameID)
	scoring := s.agents.ScoreAnswers(ctx, script, answers)
	summary := s.agents.SummarizeDiscussion(ctx, entries)

	s.mu.Lock()
	st.ScoringResult = scoring
	st.Summary = summary
	snapshot := snapshotOf(st)
	s.mu.Unlock()

	s.messages.BroadcastPhaseChange(gameID, string(models.PhaseEnded), snapshot.Round, "讨论结束")
	s.messages.BroadcastSystem(gameID, scoring)
	s.messages.BroadcastSystem(gameID, summary)

	if s.games != nil {
		if err := s.games.FinishGame(gameID); err != nil {
			log.Printf("⚠️ 标记对局结束失败: %v", err)
		}
	}

	log.Printf("🏁 [%s] 讨论结束 (第%d轮)", gameID, snapshot.Round)
	return snapshot, nil
}

// GetDiscussionState 返回当前讨论状态的快照
func (s *DiscussionService) GetDiscussionState(gameID string) (*DiscussionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[gameID]
	if !ok {
		return nil, fmt.Errorf("对局的讨论尚未开始: %s", gameID)
	}
	return snapshotOf(st), nil
}

// RemoveSession 对局归档后移除讨论状态并清理定时器
func (s *DiscussionService) RemoveSession(gameID string) {
	s.timers.CancelAll(gameID)

	s.mu.Lock()
	delete(s.sessions, gameID)
	s.mu.Unlock()
}

// ========================================
// 阶段推进
// ========================================

// advancePhase 定时器到期后的阶段切换。
// 先在锁内完成状态变更，再安排下一个定时器，保证同一对局的切换严格串行。
func (s *DiscussionService) advancePhase(gameID string) {
	s.mu.Lock()
	st, ok := s.sessions[gameID]
	if !ok || st.Ended {
		s.mu.Unlock()
		return
	}

	var next models.GamePhase
	switch st.Phase {
	case models.PhaseStatement:
		next = models.PhaseFreeDiscussion
	case models.PhaseFreeDiscussion:
		next = models.PhasePrivateChat
	case models.PhasePrivateChat:
		next = models.PhaseAnswer
	case models.PhaseAnswer:
		if st.Round < MaxDiscussionRounds {
			// 进入第二轮：重置配额和私聊记录，保留已提交的答案
			st.Round++
			st.Phase = models.PhaseStatement
			st.PhaseStartedAt = time.Now()
			for p := range st.Participants {
				st.PrivateChatQuota[p] = DefaultPrivateChatQuota
			}
			st.PrivateChatLog = make(map[string][]string)
			round := st.Round
			s.mu.Unlock()

			if s.CancelPairTimersOnAdvance {
				s.timers.CancelAll(gameID)
			}
			s.timers.SchedulePhase(gameID, s.durations.Statement, func() {
				s.advancePhase(gameID)
			})
			go s.announcePhase(gameID, models.PhaseStatement, round)
			return
		}
		s.mu.Unlock()
		if _, err := s.EndDiscussion(context.Background(), gameID); err != nil {
			log.Printf("⚠️ [%s] 自动结束讨论失败: %v", gameID, err)
		}
		return
	default:
		s.mu.Unlock()
		return
	}

	st.Phase = next
	st.PhaseStartedAt = time.Now()
	round := st.Round
	s.mu.Unlock()

	if s.CancelPairTimersOnAdvance {
		s.timers.CancelAll(gameID)
	}
	s.timers.SchedulePhase(gameID, s.phaseDuration(next), func() {
		s.advancePhase(gameID)
	})
	go s.announcePhase(gameID, next, round)
}

func (s *DiscussionService) phaseDuration(phase models.GamePhase) time.Duration {
	switch phase {
	case models.PhaseStatement:
		return s.durations.Statement
	case models.PhaseFreeDiscussion:
		return s.durations.FreeDiscussion
	case models.PhasePrivateChat:
		return s.durations.PrivateChat
	case models.PhaseAnswer:
		return s.durations.Answer
	}
	return s.durations.Statement
}

// announcePhase 由DM宣布进入新环节；陈述环节开始后触发AI玩家发言。
// LLM调用可能耗时，整个过程在阶段定时器之外异步进行。
func (s *DiscussionService) announcePhase(gameID string, phase models.GamePhase, round int) {
	announcement := s.agents.AnnouncePhase(context.Background(), phase, round)
	s.messages.BroadcastPhaseChange(gameID, string(phase), round, announcement)
	if phase == models.PhaseStatement {
		s.generateAIStatements(gameID)
	}
}

// ========================================
// AI玩家
// ========================================

// aiSpeaker 一个待发言的AI玩家
type aiSpeaker struct {
	playerID  string
	character *models.Character
}

// loadAIRoles 装载对局中AI玩家到所扮演角色的映射。
// 对局或剧本加载失败时按没有AI玩家处理。
func (s *DiscussionService) loadAIRoles(gameID string) map[string]*models.Character {
	roles := make(map[string]*models.Character)
	if s.games == nil || s.scripts == nil {
		return roles
	}
	game, err := s.games.GetGame(gameID)
	if err != nil {
		log.Printf("⚠️ [%s] 加载对局失败，按无AI玩家处理: %v", gameID, err)
		return roles
	}
	characters, err := s.scripts.GetCharacters(game.ScriptID)
	if err != nil {
		log.Printf("⚠️ [%s] 加载角色失败，按无AI玩家处理: %v", gameID, err)
		return roles
	}
	byRole := make(map[string]models.Character, len(characters))
	for _, c := range characters {
		byRole[c.ID] = c
	}
	for _, a := range game.Assignments {
		if a.PlayerType != models.PlayerAI {
			continue
		}
		if c, ok := byRole[a.RoleID]; ok {
			cc := c
			roles[a.PlayerID] = &cc
		}
	}
	return roles
}

// generateAIStatements 陈述环节开始后，各AI玩家依次以角色身份发言
func (s *DiscussionService) generateAIStatements(gameID string) {
	s.mu.Lock()
	st, ok := s.sessions[gameID]
	if !ok || st.Ended {
		s.mu.Unlock()
		return
	}
	var speakers []aiSpeaker
	for _, p := range st.ParticipantOrder {
		if c, ok := st.AIRoles[p]; ok {
			speakers = append(speakers, aiSpeaker{playerID: p, character: c})
		}
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, sp := range speakers {
		statement := s.agents.PlayerStatement(ctx, sp.character, s.recallContext(ctx, gameID, sp.playerID))
		s.postAIMessage(ctx, gameID, sp.playerID, sp.character.Name, statement)
	}
}

// replyToMentionedAI 公开发言点到AI玩家所扮演的角色名时，该AI做出回应。
// 只有非AI发言会触发回应，避免AI之间互相唤起。
func (s *DiscussionService) replyToMentionedAI(gameID, senderID, content string) {
	s.mu.Lock()
	st, ok := s.sessions[gameID]
	if !ok || st.Ended || len(st.AIRoles) == 0 {
		s.mu.Unlock()
		return
	}
	if _, senderIsAI := st.AIRoles[senderID]; senderIsAI {
		s.mu.Unlock()
		return
	}
	var targets []aiSpeaker
	for _, p := range st.ParticipantOrder {
		c, ok := st.AIRoles[p]
		if !ok || p == senderID {
			continue
		}
		if c.Name != "" && strings.Contains(content, c.Name) {
			targets = append(targets, aiSpeaker{playerID: p, character: c})
		}
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	go func() {
		ctx := context.Background()
		for _, target := range targets {
			reply := s.agents.PlayerReply(ctx, target.character, s.recallContext(ctx, gameID, target.playerID), content)
			s.postAIMessage(ctx, gameID, target.playerID, target.character.Name, reply)
		}
	}()
}

// postAIMessage AI玩家的发言进入讨论记录、广播和对话记忆
func (s *DiscussionService) postAIMessage(ctx context.Context, gameID, playerID, playerName, content string) {
	s.mu.Lock()
	st, ok := s.sessions[gameID]
	if !ok || st.Ended {
		s.mu.Unlock()
		return
	}
	st.DiscussionLog = append(st.DiscussionLog, fmt.Sprintf("%s: %s", playerName, content))
	s.mu.Unlock()

	s.messages.BroadcastDiscussion(gameID, playerID, playerName, content)
	s.recordConversation(ctx, gameID, playerID, playerName, content)
}

// recallContext 从记忆层召回该玩家的相关记忆，拼成提示词上下文
func (s *DiscussionService) recallContext(ctx context.Context, gameID, playerID string) string {
	if s.memory == nil {
		return ""
	}
	memories, err := s.memory.SearchConversationMemory(ctx, gameID, playerID, "案件线索和嫌疑对象", 5)
	if err != nil {
		log.Printf("⚠️ [%s] 召回对话记忆失败: %v", gameID, err)
		return ""
	}
	var sb strings.Builder
	for _, m := range memories {
		sb.WriteString("- " + m.Content + "\n")
	}
	return strings.TrimSpace(sb.String())
}

// ========================================
// 内部工具
// ========================================

// recordConversation 把发言写入会话的对话记忆，失败只记日志
func (s *DiscussionService) recordConversation(ctx context.Context, gameID, playerID, playerName, content string) {
	if s.memory == nil {
		return
	}
	if _, err := s.memory.InsertConversationMemory(ctx, gameID, playerID, playerName, content); err != nil {
		log.Printf("⚠️ [%s] 写入对话记忆失败: %v", gameID, err)
	}
}

// loadScript 加载对局关联的剧本；失败时返回空剧本让评分走兜底
func (s *DiscussionService) loadScript(gameID string) *models.Script {
	if s.games == nil || s.scripts == nil {
		return &models.Script{}
	}
	game, err := s.games.GetGame(gameID)
	if err != nil {
		log.Printf("⚠️ [%s] 加载对局失败，评分使用空剧本: %v", gameID, err)
		return &models.Script{}
	}
	script, err := s.scripts.GetScript(game.ScriptID)
	if err != nil {
		log.Printf("⚠️ [%s] 加载剧本失败，评分使用空剧本: %v", gameID, err)
		return &models.Script{}
	}
	return script
}

func pairKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

func snapshotOf(st *discussionState) *DiscussionSnapshot {
	snap := &DiscussionSnapshot{
		GameID:           st.GameID,
		Round:            st.Round,
		Phase:            st.Phase,
		PhaseStartedAt:   st.PhaseStartedAt,
		Participants:     append([]string(nil), st.ParticipantOrder...),
		Answers:          make(map[string]string, len(st.Answers)),
		PrivateChatQuota: make(map[string]int, len(st.PrivateChatQuota)),
		PrivateChatLog:   make(map[string][]string, len(st.PrivateChatLog)),
		Ended:            st.Ended,
		ScoringResult:    st.ScoringResult,
		Summary:          st.Summary,
	}
	for k, v := range st.Answers {
		snap.Answers[k] = v
	}
	for k, v := range st.PrivateChatQuota {
		snap.PrivateChatQuota[k] = v
	}
	for k, v := range st.PrivateChatLog {
		snap.PrivateChatLog[k] = append([]string(nil), v...)
	}
	return snap
}
