// internal/models/memory.go
package models

// MemoryKind 全局记忆记录的种类
type MemoryKind string

const (
	MemoryClue     MemoryKind = "clue"
	MemoryTimeline MemoryKind = "timeline"
)

// ConversationMemory 对话记忆检索结果的一条记录
type ConversationMemory struct {
	ID         string  `json:"id"`
	PlayerID   string  `json:"player_id"`
	PlayerName string  `json:"player_name"`
	Content    string  `json:"content"`
	Timestamp  int64   `json:"timestamp"`
	Score      float64 `json:"score"` // 相似度分数，max(0, 1-距离)
}

// GlobalMemory 全局记忆检索结果的一条记录
type GlobalMemory struct {
	ID        string     `json:"id"`
	ScriptID  string     `json:"script_id"`
	RoleID    string     `json:"role_id,omitempty"` // 空串表示对所有角色可见
	Kind      MemoryKind `json:"kind"`
	Content   string     `json:"content"`
	Timestamp string     `json:"timestamp"` // timeline记录为剧情时间点
	Score     float64    `json:"score"`
}
