// internal/workflow/steps.go
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/JubenshaMCP/internal/models"
	"github.com/Corphon/JubenshaMCP/internal/services"
)

// generatedScript 剧本生成器输出的JSON结构
type generatedScript struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Timeline    string `json:"timeline"`
	Difficulty  string `json:"difficulty"`
	Duration    int    `json:"duration"`
	Characters  []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Background  string `json:"background"`
		Secret      string `json:"secret"`
		Timeline    string `json:"timeline"`
	} `json:"characters"`
	Scenes []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"scenes"`
	Clues []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Type        string `json:"type"`
		Visibility  string `json:"visibility"`
		SceneName   string `json:"scene_name"`
		Importance  int    `json:"importance"`
	} `json:"clues"`
}

// ========================================
// script_generation
// ========================================

// scriptGeneration 调用剧本生成器产出剧本并持久化。
// 第一次输出解析失败时带着错误信息重试一次，仍失败才报告失败。
func (e *Engine) scriptGeneration(ctx context.Context, sc *SessionContext) error {
	playerCount := sc.Premise.PlayerCount
	if playerCount <= 0 {
		playerCount = 5
	}
	difficulty := sc.Premise.Difficulty
	if difficulty == "" {
		difficulty = models.DifficultyMedium
	}

	raw, parsed, err := e.generateAndParse(ctx, sc.Premise.Theme, playerCount, difficulty, "")
	if err != nil {
		log.Printf("⚠️ [%s] 剧本解析失败，带错误反馈重试: %v", sc.SessionID, err)
		raw, parsed, err = e.generateAndParse(ctx, sc.Premise.Theme, playerCount, difficulty, err.Error())
		if err != nil {
			return fmt.Errorf("剧本生成失败: %w", err)
		}
	}

	scriptID := uuid.New().String()
	now := time.Now()

	script := &models.Script{
		ID:          scriptID,
		Name:        parsed.Name,
		Description: parsed.Description,
		Timeline:    parsed.Timeline,
		Difficulty:  parseDifficulty(parsed.Difficulty, difficulty),
		Duration:    parsed.Duration,
		PlayerCount: playerCount,
		RawJSON:     raw,
		CreatedAt:   now,
	}
	if err := e.deps.Scripts.SaveScript(script); err != nil {
		return err
	}

	characters := make([]models.Character, 0, len(parsed.Characters))
	for _, c := range parsed.Characters {
		characters = append(characters, models.Character{
			Name:        c.Name,
			Description: c.Description,
			Background:  c.Background,
			Secret:      c.Secret,
			Timeline:    c.Timeline,
		})
	}
	if err := e.deps.Scripts.SaveCharacters(scriptID, characters); err != nil {
		return err
	}

	scenes := make([]models.Scene, 0, len(parsed.Scenes))
	for _, s := range parsed.Scenes {
		scenes = append(scenes, models.Scene{
			Name:        s.Name,
			Description: s.Description,
		})
	}
	if err := e.deps.Scripts.SaveScenes(scriptID, scenes); err != nil {
		return err
	}

	clues := make([]models.Clue, 0, len(parsed.Clues))
	for _, c := range parsed.Clues {
		clues = append(clues, models.Clue{
			Name:        c.Name,
			Description: c.Description,
			Type:        parseClueType(c.Type),
			Visibility:  parseClueVisibility(c.Visibility),
			SceneName:   c.SceneName,
			Importance:  c.Importance,
		})
	}
	if err := e.deps.Scripts.SaveClues(scriptID, clues); err != nil {
		return err
	}

	sc.ScriptID = scriptID
	sc.Script = script
	sc.Clues = clues
	log.Printf("📜 [%s] 剧本已生成: %s (%d角色 %d场景 %d线索)",
		sc.SessionID, script.Name, len(characters), len(scenes), len(clues))
	return nil
}

func (e *Engine) generateAndParse(ctx context.Context, theme string, playerCount int, difficulty models.DifficultyLevel, feedback string) (string, *generatedScript, error) {
	raw, err := e.deps.Agents.GenerateScript(ctx, theme, playerCount, difficulty, feedback)
	if err != nil {
		return "", nil, err
	}

	cleaned := stripJSONFence(raw)
	var parsed generatedScript
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return "", nil, fmt.Errorf("剧本JSON无法解析: %w", err)
	}
	if parsed.Name == "" || len(parsed.Characters) == 0 {
		return "", nil, fmt.Errorf("剧本缺少必要字段（name或characters为空）")
	}
	return cleaned, &parsed, nil
}

// stripJSONFence 去掉模型输出外包的markdown代码围栏
func stripJSONFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	return strings.TrimSpace(trimmed)
}

func parseDifficulty(raw string, fallback models.DifficultyLevel) models.DifficultyLevel {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(models.DifficultyEasy):
		return models.DifficultyEasy
	case string(models.DifficultyMedium):
		return models.DifficultyMedium
	case string(models.DifficultyHard):
		return models.DifficultyHard
	}
	return fallback
}

func parseClueType(raw string) models.ClueType {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(models.ClueTestimony):
		return models.ClueTestimony
	case string(models.ClueDocument):
		return models.ClueDocument
	}
	return models.CluePhysical
}

func parseClueVisibility(raw string) models.ClueVisibility {
	if strings.ToUpper(strings.TrimSpace(raw)) == string(models.CluePrivate) {
		return models.CluePrivate
	}
	return models.CluePublic
}

// ========================================
// role_allocation
// ========================================

// roleAllocation 按剧本声明顺序把角色绑定到参与者。
// 前humanCount个角色绑定真人（已有玩家优先，不足自动补建），
// 其余角色绑定新建的AI玩家；同时创建DM和裁判两个主持身份。
// AI数量为零且真人不足时，空缺的角色记入UnassignedRoles而不是报错。
func (e *Engine) roleAllocation(_ context.Context, sc *SessionContext) error {
	characters, err := e.deps.Scripts.GetCharacters(sc.ScriptID)
	if err != nil {
		return fmt.Errorf("装载角色列表失败: %w", err)
	}
	if len(characters) == 0 {
		return fmt.Errorf("剧本没有可分配的角色: %s", sc.ScriptID)
	}

	totalRoles := len(characters)
	humanCount := sc.Premise.HumanCount
	if humanCount <= 0 {
		humanCount = 1
	}
	humanBound := humanCount
	if humanBound > totalRoles {
		humanBound = totalRoles
	}
	aiCount := totalRoles - humanCount
	if aiCount < 0 {
		aiCount = 0
	}

	assignments := make([]models.RoleAssignment, 0, totalRoles)
	var unassigned []string

	for i := 0; i < humanBound; i++ {
		playerID := ""
		if i < len(sc.Premise.HumanPlayers) {
			playerID = sc.Premise.HumanPlayers[i]
		}
		if playerID == "" {
			playerID = "human_" + uuid.New().String()
		}
		assignments = append(assignments, models.RoleAssignment{
			PlayerID:   playerID,
			PlayerType: models.PlayerHuman,
			RoleID:     characters[i].ID,
			RoleName:   characters[i].Name,
		})
	}

	for i := 0; i < aiCount && humanBound+i < totalRoles; i++ {
		role := characters[humanBound+i]
		assignments = append(assignments, models.RoleAssignment{
			PlayerID:   "ai_" + uuid.New().String(),
			PlayerType: models.PlayerAI,
			RoleID:     role.ID,
			RoleName:   role.Name,
		})
	}

	// 空缺角色记入元数据，后续步骤必须容忍稀疏的分配表
	bound := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		bound[a.RoleID] = true
	}
	for _, c := range characters {
		if !bound[c.ID] {
			unassigned = append(unassigned, c.ID)
		}
	}

	sc.Assignments = assignments
	sc.UnassignedRoles = unassigned
	sc.DMID = "dm_" + uuid.New().String()
	sc.JudgeID = "judge_" + uuid.New().String()

	game := &models.Game{
		ID:        sc.SessionID,
		ScriptID:  sc.ScriptID,
		Status:    models.GameRunning,
		CreatedAt: sc.CreatedAt,
	}
	game.Assignments = assignments
	game.DMID = sc.DMID
	game.JudgeID = sc.JudgeID
	if err := e.deps.Games.SaveGame(game); err != nil {
		return err
	}

	log.Printf("🎭 [%s] 角色分配完成: 共%d角色, %d真人, %dAI, %d空缺",
		sc.SessionID, totalRoles, humanBound, len(assignments)-humanBound, len(unassigned))
	return nil
}

// ========================================
// scene_loading / character_loading（并行分支）
// ========================================

// sceneLoading 装载剧本场景并把案件时间线写入全局记忆
func (e *Engine) sceneLoading(ctx context.Context, sc *SessionContext) error {
	scenes, err := e.deps.Scripts.GetScenes(sc.ScriptID)
	if err != nil {
		return fmt.Errorf("装载场景失败: %w", err)
	}
	sc.Scenes = scenes

	if sc.Script != nil && sc.Script.Timeline != "" {
		_, err := e.deps.Memory.InsertGlobalMemory(ctx, services.GlobalInsert{
			ScriptID:  sc.ScriptID,
			Kind:      models.MemoryTimeline,
			Content:   sc.Script.Timeline,
			TimePoint: "案件全程",
		})
		if err != nil {
			log.Printf("⚠️ [%s] 案件时间线写入全局记忆失败: %v", sc.SessionID, err)
		}
	}
	return nil
}

// characterLoading 装载角色详情，把各角色的个人时间线写入全局记忆，
// 并把AI玩家所扮演角色的剧本内容读入其对话记忆
func (e *Engine) characterLoading(ctx context.Context, sc *SessionContext) error {
	characters, err := e.deps.Scripts.GetCharacters(sc.ScriptID)
	if err != nil {
		return fmt.Errorf("装载角色详情失败: %w", err)
	}
	sc.Characters = characters

	rows := make([]services.GlobalInsert, 0, len(characters))
	for _, c := range characters {
		if c.Timeline == "" {
			continue
		}
		rows = append(rows, services.GlobalInsert{
			ScriptID:  sc.ScriptID,
			RoleID:    c.ID,
			Kind:      models.MemoryTimeline,
			Content:   c.Timeline,
			TimePoint: "角色行动线",
		})
	}
	if len(rows) > 0 {
		if _, err := e.deps.Memory.BatchInsertGlobalMemory(ctx, rows); err != nil {
			log.Printf("⚠️ [%s] 角色时间线写入全局记忆失败: %v", sc.SessionID, err)
		}
	}

	// AI玩家读取角色剧本：背景和秘密进入该玩家的对话记忆
	byRole := make(map[string]models.Character, len(characters))
	for _, c := range characters {
		byRole[c.ID] = c
	}
	var reads []services.ConversationInsert
	for _, a := range sc.Assignments {
		if a.PlayerType != models.PlayerAI {
			continue
		}
		c, ok := byRole[a.RoleID]
		if !ok {
			continue
		}
		reads = append(reads, services.ConversationInsert{
			PlayerID:   a.PlayerID,
			PlayerName: c.Name,
			Content:    fmt.Sprintf("我的角色是%s。背景：%s 秘密：%s", c.Name, c.Background, c.Secret),
		})
	}
	if len(reads) > 0 {
		if _, err := e.deps.Memory.BatchInsertConversationMemory(ctx, sc.SessionID, reads); err != nil {
			log.Printf("⚠️ [%s] 角色剧本写入对话记忆失败: %v", sc.SessionID, err)
		}
	}

	e.deps.Messages.BroadcastSystem(sc.SessionID, "角色剧本已下发，请各玩家阅读自己的剧本")
	return nil
}

// ========================================
// first_investigation
// ========================================

// firstInvestigation 开启第一轮调查：
// 把全部线索写入全局记忆，DM生成开场叙述并广播，向各玩家下发公开线索。
func (e *Engine) firstInvestigation(ctx context.Context, sc *SessionContext) error {
	if sc.Script == nil {
		return fmt.Errorf("缺少剧本，无法开始第一轮调查")
	}

	rows := make([]services.GlobalInsert, 0, len(sc.Clues))
	for _, clue := range sc.Clues {
		roleID := ""
		if clue.Visibility == models.CluePrivate {
			roleID = roleForPrivateClue(sc, clue)
		}
		rows = append(rows, services.GlobalInsert{
			ScriptID: sc.ScriptID,
			RoleID:   roleID,
			Kind:     models.MemoryClue,
			Content:  fmt.Sprintf("%s：%s", clue.Name, clue.Description),
		})
	}
	if len(rows) > 0 {
		ids, err := e.deps.Memory.BatchInsertGlobalMemory(ctx, rows)
		if err != nil {
			log.Printf("⚠️ [%s] 线索写入全局记忆失败: %v", sc.SessionID, err)
		} else {
			// ids与rows逐位对齐，被跳过的行是空ID，不能进映射
			sc.ClueMemoryIDs = make(map[string]string, len(ids))
			for i, id := range ids {
				if id == "" {
					continue
				}
				sc.ClueMemoryIDs[sc.Clues[i].ID] = id
			}
		}
	}

	narration := e.deps.Agents.NarrateFirstInvestigation(ctx, sc.Script, sc.Scenes)
	sc.OpeningNarration = narration
	e.deps.Messages.BroadcastSystem(sc.SessionID, narration)

	// 公开线索广播给所有人，同时种入AI玩家的对话记忆
	var seeds []services.ConversationInsert
	for _, clue := range sc.Clues {
		if clue.Visibility != models.CluePublic {
			continue
		}
		content := fmt.Sprintf("公开线索「%s」：%s", clue.Name, clue.Description)
		e.deps.Messages.BroadcastSystem(sc.SessionID, content)
		for _, a := range sc.Assignments {
			if a.PlayerType != models.PlayerAI {
				continue
			}
			seeds = append(seeds, services.ConversationInsert{
				PlayerID:   a.PlayerID,
				PlayerName: a.RoleName,
				Content:    content,
			})
		}
	}
	if len(seeds) > 0 {
		if _, err := e.deps.Memory.BatchInsertConversationMemory(ctx, sc.SessionID, seeds); err != nil {
			log.Printf("⚠️ [%s] 公开线索写入对话记忆失败: %v", sc.SessionID, err)
		}
	}

	log.Printf("🔍 [%s] 第一轮调查已开始", sc.SessionID)
	return nil
}

// roleForPrivateClue 私有线索归属：按场景名匹配不到归属角色时对所有角色可见
func roleForPrivateClue(sc *SessionContext, clue models.Clue) string {
	for _, c := range sc.Characters {
		if c.Name != "" && clue.SceneName == c.Name {
			return c.ID
		}
	}
	return ""
}
