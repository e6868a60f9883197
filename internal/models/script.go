// internal/models/script.go
package models

import (
	"time"
)

// DifficultyLevel 剧本难度
type DifficultyLevel string

const (
	DifficultyEasy   DifficultyLevel = "EASY"
	DifficultyMedium DifficultyLevel = "MEDIUM"
	DifficultyHard   DifficultyLevel = "HARD"
)

// Script 表示一个生成的剧本（剧本杀的"本"）
type Script struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Timeline    string          `json:"timeline"`
	Author      string          `json:"author"`
	Difficulty  DifficultyLevel `json:"difficulty"`
	Duration    int             `json:"duration"`     // 预计时长（分钟）
	PlayerCount int             `json:"player_count"` // 建议玩家数
	RawJSON     string          `json:"raw_json,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Character 表示剧本中声明的一个角色
type Character struct {
	ID          string    `json:"id"`
	ScriptID    string    `json:"script_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Background  string    `json:"background"`
	Secret      string    `json:"secret,omitempty"`
	Timeline    string    `json:"timeline,omitempty"`
	OrderIndex  int       `json:"order_index"` // 剧本声明顺序，角色分配按此排序
	CreatedAt   time.Time `json:"created_at"`
}

// ClueType 线索类型
type ClueType string

const (
	CluePhysical  ClueType = "PHYSICAL"
	ClueTestimony ClueType = "TESTIMONY"
	ClueDocument  ClueType = "DOCUMENT"
)

// ClueVisibility 线索可见性
type ClueVisibility string

const (
	CluePublic  ClueVisibility = "PUBLIC"
	CluePrivate ClueVisibility = "PRIVATE"
)

// Clue 表示剧本中的一条线索
type Clue struct {
	ID          string         `json:"id"`
	ScriptID    string         `json:"script_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Type        ClueType       `json:"type"`
	Visibility  ClueVisibility `json:"visibility"`
	SceneName   string         `json:"scene_name,omitempty"` // 线索所在场景
	Importance  int            `json:"importance"`
	CreatedAt   time.Time      `json:"created_at"`
}
