// internal/services/memory_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/Corphon/JubenshaMCP/internal/models"
	"github.com/Corphon/JubenshaMCP/internal/vector"
)

// MemoryService 语义记忆层：对话记忆按会话分集合存储，
// 全局记忆（线索、时间线）集中在单一集合中。
// 所有写入先经过嵌入服务，无法嵌入的文本按跳过处理而不报错。
type MemoryService struct {
	store            vector.Store
	embedder         Embedder
	globalCollection string
}

// ConversationInsert 一条待写入的对话记忆
type ConversationInsert struct {
	PlayerID   string
	PlayerName string
	Content    string
}

// GlobalInsert 一条待写入的全局记忆
type GlobalInsert struct {
	ScriptID  string
	RoleID    string // 空串表示对所有角色可见
	Kind      models.MemoryKind
	Content   string
	TimePoint string // timeline记录的剧情时间点，clue记录可留空
}

// NewMemoryService 创建记忆服务并确保全局记忆集合存在
func NewMemoryService(store vector.Store, embedder Embedder, globalCollection string) (*MemoryService, error) {
	s := &MemoryService{
		store:            store,
		embedder:         embedder,
		globalCollection: globalCollection,
	}

	if err := store.CreateCollection(context.Background(), globalCollection, embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("初始化全局记忆集合失败: %w", err)
	}
	log.Printf("✅ 全局记忆集合就绪: %s", globalCollection)
	return s, nil
}

// ConversationCollection 返回指定会话的对话记忆集合名
func ConversationCollection(gameID string) string {
	return "conversation_" + gameID
}

// ensureConversationCollection 首次写入时惰性创建会话集合
func (s *MemoryService) ensureConversationCollection(ctx context.Context, gameID string) (string, error) {
	name := ConversationCollection(gameID)
	if s.store.HasCollection(ctx, name) {
		return name, nil
	}
	if err := s.store.CreateCollection(ctx, name, s.embedder.Dimension()); err != nil {
		return "", fmt.Errorf("创建对话记忆集合失败: %w", err)
	}
	log.Printf("🔧 已创建对话记忆集合: %s", name)
	return name, nil
}

// ========================================
// 对话记忆
// ========================================

// InsertConversationMemory 写入一条对话记忆，返回生成的记录ID。
// 文本无法嵌入时跳过写入，返回空ID且不报错。
func (s *MemoryService) InsertConversationMemory(ctx context.Context, gameID, playerID, playerName, content string) (string, error) {
	emb, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("嵌入对话内容失败: %w", err)
	}
	if emb == nil {
		log.Printf("⚠️ 对话内容无法嵌入，跳过写入: game=%s player=%s", gameID, playerID)
		return "", nil
	}

	name, err := s.ensureConversationCollection(ctx, gameID)
	if err != nil {
		return "", err
	}

	ids, err := s.store.Insert(ctx, name, []vector.Record{{
		Fields: map[string]interface{}{
			"player_id":   playerID,
			"player_name": playerName,
			"content":     content,
			"timestamp":   time.Now().UnixMilli(),
		},
		Embedding: emb,
	}})
	if err != nil {
		return "", fmt.Errorf("写入对话记忆失败: %w", err)
	}
	return ids[0], nil
}

// BatchInsertConversationMemory 批量写入对话记忆。
// 返回与rows逐位对齐的ID列表，无法嵌入而被跳过的行对应空ID。
func (s *MemoryService) BatchInsertConversationMemory(ctx context.Context, gameID string, rows []ConversationInsert) ([]string, error) {
	out := make([]string, len(rows))
	var records []vector.Record
	var positions []int
	now := time.Now().UnixMilli()
	for i, row := range rows {
		emb, err := s.embedder.Embed(ctx, row.Content)
		if err != nil {
			return nil, fmt.Errorf("嵌入对话内容失败: %w", err)
		}
		if emb == nil {
			log.Printf("⚠️ 批量写入跳过无法嵌入的行: player=%s", row.PlayerID)
			continue
		}
		records = append(records, vector.Record{
			Fields: map[string]interface{}{
				"player_id":   row.PlayerID,
				"player_name": row.PlayerName,
				"content":     row.Content,
				"timestamp":   now,
			},
			Embedding: emb,
		})
		positions = append(positions, i)
	}
	if len(records) == 0 {
		return out, nil
	}

	name, err := s.ensureConversationCollection(ctx, gameID)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.Insert(ctx, name, records)
	if err != nil {
		return nil, fmt.Errorf("批量写入对话记忆失败: %w", err)
	}
	for j, id := range ids {
		out[positions[j]] = id
	}
	return out, nil
}

// SearchConversationMemory 在会话的对话记忆中做语义检索。
// playerID非空时只检索该玩家的发言。相似度分数为max(0, 1-L2距离)。
func (s *MemoryService) SearchConversationMemory(ctx context.Context, gameID, playerID, query string, topK int) ([]models.ConversationMemory, error) {
	name := ConversationCollection(gameID)
	if !s.store.HasCollection(ctx, name) {
		return nil, nil
	}

	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("嵌入检索语句失败: %w", err)
	}
	if emb == nil {
		return nil, nil
	}

	filter := vector.NewFilter().EqIf(playerID != "", "player_id", playerID).String()
	results, err := s.store.Search(ctx, name, emb, filter, topK)
	if err != nil {
		return nil, fmt.Errorf("检索对话记忆失败: %w", err)
	}

	memories := make([]models.ConversationMemory, 0, len(results))
	for _, r := range results {
		memories = append(memories, models.ConversationMemory{
			ID:         r.ID,
			PlayerID:   fieldString(r.Fields, "player_id"),
			PlayerName: fieldString(r.Fields, "player_name"),
			Content:    fieldString(r.Fields, "content"),
			Timestamp:  fieldInt64(r.Fields, "timestamp"),
			Score:      distanceScore(r.Distance),
		})
	}
	return memories, nil
}

// UpdateConversationMemory 重新嵌入并按ID覆盖一条对话记忆。
// 该ID不存在时按成功处理（幂等更新）。
func (s *MemoryService) UpdateConversationMemory(ctx context.Context, gameID, recordID, content string) error {
	name := ConversationCollection(gameID)
	if !s.store.HasCollection(ctx, name) {
		return nil
	}

	existing, err := s.store.Query(ctx, name, vector.NewFilter().Eq("id", recordID).String(), 1)
	if err != nil {
		return fmt.Errorf("查询待更新记录失败: %w", err)
	}
	if len(existing) == 0 {
		log.Printf("⚠️ 待更新的对话记忆不存在，视为成功: %s", recordID)
		return nil
	}

	emb, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("嵌入更新内容失败: %w", err)
	}
	if emb == nil {
		log.Printf("⚠️ 更新内容无法嵌入，保留原记录: %s", recordID)
		return nil
	}

	rec := existing[0]
	rec.Fields["content"] = content
	rec.Embedding = emb
	if _, err := s.store.Upsert(ctx, name, []vector.Record{rec}); err != nil {
		return fmt.Errorf("更新对话记忆失败: %w", err)
	}
	return nil
}

// DeleteConversationMemory 按ID删除对话记忆，返回实际删除数量
func (s *MemoryService) DeleteConversationMemory(ctx context.Context, gameID string, ids ...string) (int, error) {
	name := ConversationCollection(gameID)
	if !s.store.HasCollection(ctx, name) {
		return 0, nil
	}
	n, err := s.store.Delete(ctx, name, ids)
	if err != nil {
		return 0, fmt.Errorf("删除对话记忆失败: %w", err)
	}
	return n, nil
}

// DropConversationMemory 会话结束时整体删除该会话的对话记忆集合
func (s *MemoryService) DropConversationMemory(ctx context.Context, gameID string) error {
	if err := s.store.DropCollection(ctx, ConversationCollection(gameID)); err != nil {
		return fmt.Errorf("删除对话记忆集合失败: %w", err)
	}
	log.Printf("🗑️ 已清理会话记忆: %s", gameID)
	return nil
}

// ========================================
// 全局记忆
// ========================================

// InsertGlobalMemory 写入一条全局记忆（线索或时间线），返回记录ID。
// 无法嵌入的内容跳过写入，返回空ID且不报错。
func (s *MemoryService) InsertGlobalMemory(ctx context.Context, row GlobalInsert) (string, error) {
	ids, err := s.BatchInsertGlobalMemory(ctx, []GlobalInsert{row})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BatchInsertGlobalMemory 批量写入全局记忆。
// 返回与rows逐位对齐的ID列表，无法嵌入而被跳过的行对应空ID。
func (s *MemoryService) BatchInsertGlobalMemory(ctx context.Context, rows []GlobalInsert) ([]string, error) {
	out := make([]string, len(rows))
	var records []vector.Record
	var positions []int
	for i, row := range rows {
		emb, err := s.embedder.Embed(ctx, row.Content)
		if err != nil {
			return nil, fmt.Errorf("嵌入全局记忆失败: %w", err)
		}
		if emb == nil {
			log.Printf("⚠️ 全局记忆无法嵌入，跳过写入: script=%s kind=%s", row.ScriptID, row.Kind)
			continue
		}
		timestamp := row.TimePoint
		if timestamp == "" {
			timestamp = time.Now().Format("2006-01-02 15:04:05")
		}
		records = append(records, vector.Record{
			Fields: map[string]interface{}{
				"script_id": row.ScriptID,
				"role_id":   row.RoleID,
				"type":      string(row.Kind),
				"content":   row.Content,
				"timestamp": timestamp,
			},
			Embedding: emb,
		})
		positions = append(positions, i)
	}
	if len(records) == 0 {
		return out, nil
	}

	ids, err := s.store.Insert(ctx, s.globalCollection, records)
	if err != nil {
		return nil, fmt.Errorf("批量写入全局记忆失败: %w", err)
	}
	for j, id := range ids {
		out[positions[j]] = id
	}
	return out, nil
}

// SearchGlobalMemory 按剧本和种类检索全局记忆。
// roleID非空时只返回对该角色可见的记录（专属记录加上对所有角色开放的记录）。
func (s *MemoryService) SearchGlobalMemory(ctx context.Context, scriptID, roleID string, kind models.MemoryKind, query string, topK int) ([]models.GlobalMemory, error) {
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("嵌入检索语句失败: %w", err)
	}
	if emb == nil {
		return nil, nil
	}

	// 可见性过滤是析取条件（role_id == roleID 或 role_id == ''），
	// 超出存储层的合取表达式能力，检索放宽后在本层裁剪。
	// 裁剪后不足topK时加倍检索窗口重试，直到凑满或集合取尽。
	filter := vector.NewFilter().
		Eq("script_id", scriptID).
		Eq("type", string(kind)).
		String()
	fetch := topK
	if roleID != "" {
		fetch = topK * 2
	}
	for {
		results, err := s.store.Search(ctx, s.globalCollection, emb, filter, fetch)
		if err != nil {
			return nil, fmt.Errorf("检索全局记忆失败: %w", err)
		}

		memories := make([]models.GlobalMemory, 0, topK)
		for _, r := range results {
			owner := fieldString(r.Fields, "role_id")
			if roleID != "" && owner != "" && owner != roleID {
				continue
			}
			memories = append(memories, models.GlobalMemory{
				ID:        r.ID,
				ScriptID:  fieldString(r.Fields, "script_id"),
				RoleID:    owner,
				Kind:      models.MemoryKind(fieldString(r.Fields, "type")),
				Content:   fieldString(r.Fields, "content"),
				Timestamp: fieldString(r.Fields, "timestamp"),
				Score:     distanceScore(r.Distance),
			})
			if len(memories) == topK {
				break
			}
		}
		if len(memories) == topK || len(results) < fetch {
			return memories, nil
		}
		fetch *= 2
	}
}

// ========================================
// 线索关联与过滤
// ========================================

// ClueRelationStrength 计算两条线索记忆的关联强度，范围[0,100]。
// 余弦相似度s映射为(s+1)/2*100；任一记录缺失或无嵌入时返回0。
func (s *MemoryService) ClueRelationStrength(ctx context.Context, clueMemoryIDA, clueMemoryIDB string) (int, error) {
	embA, err := s.clueEmbedding(ctx, clueMemoryIDA)
	if err != nil {
		return 0, err
	}
	embB, err := s.clueEmbedding(ctx, clueMemoryIDB)
	if err != nil {
		return 0, err
	}
	if embA == nil || embB == nil {
		return 0, nil
	}

	sim := cosineSimilarity(embA, embB)
	return int((sim + 1) / 2 * 100), nil
}

func (s *MemoryService) clueEmbedding(ctx context.Context, memoryID string) ([]float32, error) {
	filter := vector.NewFilter().
		Eq("id", memoryID).
		Eq("type", string(models.MemoryClue)).
		String()
	records, err := s.store.Query(ctx, s.globalCollection, filter, 1)
	if err != nil {
		return nil, fmt.Errorf("查询线索记忆失败: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0].Embedding, nil
}

// FilterByDiscoveredClues 结合已发现线索检索对话记忆，按相似度降序截断。
// discoveredClueIDs当前仅作为扩展点保留，不参与过滤。
func (s *MemoryService) FilterByDiscoveredClues(ctx context.Context, gameID, playerID string, discoveredClueIDs []string, query string, topK int) ([]models.ConversationMemory, error) {
	_ = discoveredClueIDs

	memories, err := s.SearchConversationMemory(ctx, gameID, playerID, query, topK)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Score > memories[j].Score
	})
	if len(memories) > topK {
		memories = memories[:topK]
	}
	return memories, nil
}

// ========================================
// 内部工具
// ========================================

// distanceScore 把L2距离换算为[0,1]的相似度分数
func distanceScore(distance float64) float64 {
	return math.Max(0, 1-distance)
}

// cosineSimilarity 计算两个向量的余弦相似度；零向量按0处理
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func fieldString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func fieldInt64(fields map[string]interface{}, key string) int64 {
	switch v := fields[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
