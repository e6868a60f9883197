// internal/workflow/context.go
package workflow

import (
	"time"

	"github.com/Corphon/JubenshaMCP/internal/models"
)

// Premise 一次开局请求的输入
type Premise struct {
	Theme       string `json:"theme"`
	PlayerCount int    `json:"player_count"`
	// 未设置或≤0时默认1
	HumanCount int `json:"human_count"`
	// 已有真人玩家的ID，不足时自动补建
	HumanPlayers []string               `json:"human_players,omitempty"`
	Difficulty   models.DifficultyLevel `json:"difficulty,omitempty"`
}

// SessionContext 一次开局工作流的共享上下文。
// 由工作流创建并在各步骤间传递，步骤失败记录在LastError中而不是抛出，
// 后续步骤据此决定跳过或终止。
type SessionContext struct {
	SessionID string  `json:"session_id"`
	Premise   Premise `json:"premise"`

	ScriptID   string             `json:"script_id,omitempty"`
	Script     *models.Script     `json:"script,omitempty"`
	Characters []models.Character `json:"characters,omitempty"`
	Scenes     []models.Scene     `json:"scenes,omitempty"`
	Clues      []models.Clue      `json:"clues,omitempty"`

	Assignments     []models.RoleAssignment `json:"assignments,omitempty"`
	UnassignedRoles []string                `json:"unassigned_roles,omitempty"`
	DMID            string                  `json:"dm_id,omitempty"`
	JudgeID         string                  `json:"judge_id,omitempty"`

	// 线索ID -> 全局记忆记录ID，供线索关联计算使用
	ClueMemoryIDs map[string]string `json:"clue_memory_ids,omitempty"`

	OpeningNarration string `json:"opening_narration,omitempty"`

	CurrentStep string    `json:"current_step"`
	Succeeded   bool      `json:"succeeded"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ParticipantIDs 返回全部已绑定角色的参与者ID，按角色声明顺序
func (sc *SessionContext) ParticipantIDs() []string {
	ids := make([]string, 0, len(sc.Assignments))
	for _, a := range sc.Assignments {
		ids = append(ids, a.PlayerID)
	}
	return ids
}
