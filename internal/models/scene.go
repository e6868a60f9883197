// internal/models/scene.go
package models

import (
	"time"
)

// Scene 表示剧本中的一个可搜证场景
type Scene struct {
	ID          string    `json:"id"`
	ScriptID    string    `json:"script_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ClueIDs     []string  `json:"clue_ids,omitempty"` // 场景关联的线索
	CreatedAt   time.Time `json:"created_at"`
}
