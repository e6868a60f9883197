// internal/models/game.go
package models

import (
	"time"
)

// PlayerType 玩家类型
type PlayerType string

const (
	PlayerHuman PlayerType = "HUMAN"
	PlayerAI    PlayerType = "AI"
)

// Player 表示一名参与者（真人或AI）
type Player struct {
	ID        string     `json:"id"`
	Nickname  string     `json:"nickname"`
	Type      PlayerType `json:"type"`
	CreatedAt time.Time  `json:"created_at"`
}

// RoleAssignment 表示一条"参与者-角色"绑定
type RoleAssignment struct {
	PlayerID   string     `json:"player_id"`
	PlayerType PlayerType `json:"player_type"`
	RoleID     string     `json:"role_id"`
	RoleName   string     `json:"role_name"`
}

// GameStatus 对局状态
type GameStatus string

const (
	GameCreated   GameStatus = "CREATED"
	GameRunning   GameStatus = "RUNNING"
	GameFinished  GameStatus = "FINISHED"
	GameCancelled GameStatus = "CANCELLED"
)

// Game 表示一次对局（一个剧本的一次游玩实例）
type Game struct {
	ID          string           `json:"id"`
	ScriptID    string           `json:"script_id"`
	Status      GameStatus       `json:"status"`
	Assignments []RoleAssignment `json:"assignments,omitempty"`
	DMID        string           `json:"dm_id,omitempty"`
	JudgeID     string           `json:"judge_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}

// GamePhase 对局阶段（讨论状态机的状态）
type GamePhase string

const (
	PhaseFirstInvestigation GamePhase = "FIRST_INVESTIGATION"
	PhaseStatement          GamePhase = "STATEMENT"
	PhaseFreeDiscussion     GamePhase = "FREE_DISCUSSION"
	PhasePrivateChat        GamePhase = "PRIVATE_CHAT"
	PhaseAnswer             GamePhase = "ANSWER"
	PhaseEnded              GamePhase = "ENDED"
)
