// internal/services/memory_service_test.go
package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/JubenshaMCP/internal/models"
	"github.com/Corphon/JubenshaMCP/internal/vector"
)

// fakeEmbedder 确定性嵌入：预置文本用固定向量，其余文本用首字节展开。
// 空文本返回nil，与真实嵌入服务的跳过语义一致。
type fakeEmbedder struct {
	dim  int
	vecs map[string][]float32
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{dim: 4, vecs: make(map[string][]float32)}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	if vec, ok := f.vecs[text]; ok {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(text[0]) / 255
	}
	return vec, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

func newTestMemoryService(t *testing.T) (*MemoryService, *fakeEmbedder) {
	t.Helper()
	embedder := newFakeEmbedder()
	svc, err := NewMemoryService(vector.NewMemoryStore(), embedder, "global_memory")
	require.NoError(t, err)
	return svc, embedder
}

func TestConversationRoundTrip(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	id, err := svc.InsertConversationMemory(ctx, "g1", "p1", "张三", "我昨晚在书房")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// 用原文检索，插入的记录必须出现且得分为1（距离0）
	results, err := svc.SearchConversationMemory(ctx, "g1", "", "我昨晚在书房", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].ID)
	assert.Equal(t, "我昨晚在书房", results[0].Content)
	assert.Equal(t, "张三", results[0].PlayerName)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestInsertSkipsUnembeddableContent(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	// 单条：无法嵌入时无操作，不报错
	id, err := svc.InsertConversationMemory(ctx, "g1", "p1", "张三", "")
	require.NoError(t, err)
	assert.Empty(t, id)

	// 批量：跳过无法嵌入的行，写入其余行；
	// 返回的ID列表与输入逐位对齐，被跳过的行占位空ID
	ids, err := svc.BatchInsertConversationMemory(ctx, "g1", []ConversationInsert{
		{PlayerID: "p1", PlayerName: "张三", Content: "线索甲"},
		{PlayerID: "p2", PlayerName: "李四", Content: ""},
		{PlayerID: "p3", PlayerName: "王五", Content: "线索乙"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.NotEmpty(t, ids[0])
	assert.Empty(t, ids[1])
	assert.NotEmpty(t, ids[2])
}

func TestBatchGlobalMemoryIDsAlignWithRows(t *testing.T) {
	svc, embedder := newTestMemoryService(t)
	ctx := context.Background()

	embedder.vecs["甲"] = []float32{1, 0, 0, 0}
	embedder.vecs["乙"] = []float32{0, 1, 0, 0}

	ids, err := svc.BatchInsertGlobalMemory(ctx, []GlobalInsert{
		{ScriptID: "s1", Kind: models.MemoryClue, Content: ""},
		{ScriptID: "s1", Kind: models.MemoryClue, Content: "甲"},
		{ScriptID: "s1", Kind: models.MemoryClue, Content: "乙"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Empty(t, ids[0])
	require.NotEmpty(t, ids[1])
	require.NotEmpty(t, ids[2])

	// 每个ID必须指回自己那一行的内容
	results, err := svc.SearchGlobalMemory(ctx, "s1", "", models.MemoryClue, "甲", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids[1], results[0].ID)
	assert.Equal(t, "甲", results[0].Content)

	results, err = svc.SearchGlobalMemory(ctx, "s1", "", models.MemoryClue, "乙", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids[2], results[0].ID)
	assert.Equal(t, "乙", results[0].Content)
}

func TestSearchFiltersByPlayer(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	_, err := svc.InsertConversationMemory(ctx, "g1", "p1", "张三", "apple")
	require.NoError(t, err)
	_, err = svc.InsertConversationMemory(ctx, "g1", "p2", "李四", "apple pie")
	require.NoError(t, err)

	results, err := svc.SearchConversationMemory(ctx, "g1", "p2", "apple", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p2", results[0].PlayerID)
}

func TestSearchUnknownGameReturnsEmpty(t *testing.T) {
	svc, _ := newTestMemoryService(t)

	results, err := svc.SearchConversationMemory(context.Background(), "no-such-game", "", "query", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpdateConversationMemory(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	id, err := svc.InsertConversationMemory(ctx, "g1", "p1", "张三", "initial")
	require.NoError(t, err)

	require.NoError(t, svc.UpdateConversationMemory(ctx, "g1", id, "updated"))
	// 相同内容再更新一次，结果不变（幂等）
	require.NoError(t, svc.UpdateConversationMemory(ctx, "g1", id, "updated"))

	results, err := svc.SearchConversationMemory(ctx, "g1", "", "updated", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "updated", results[0].Content)

	// 不存在的记录ID视为成功
	require.NoError(t, svc.UpdateConversationMemory(ctx, "g1", "ghost-id", "whatever"))
}

func TestDeleteAndDropConversationMemory(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	id, err := svc.InsertConversationMemory(ctx, "g1", "p1", "张三", "content")
	require.NoError(t, err)

	n, err := svc.DeleteConversationMemory(ctx, "g1", id, "ghost")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, svc.DropConversationMemory(ctx, "g1"))

	// 集合删除后检索返回空
	results, err := svc.SearchConversationMemory(ctx, "g1", "", "content", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGlobalMemoryVisibility(t *testing.T) {
	svc, _ := newTestMemoryService(t)
	ctx := context.Background()

	_, err := svc.BatchInsertGlobalMemory(ctx, []GlobalInsert{
		{ScriptID: "s1", RoleID: "", Kind: models.MemoryClue, Content: "公开线索"},
		{ScriptID: "s1", RoleID: "r1", Kind: models.MemoryClue, Content: "r1的专属线索"},
		{ScriptID: "s1", RoleID: "r2", Kind: models.MemoryClue, Content: "r2的专属线索"},
	})
	require.NoError(t, err)

	// r1能看到公开线索和自己的专属线索，看不到r2的
	results, err := svc.SearchGlobalMemory(ctx, "s1", "r1", models.MemoryClue, "线索", 10)
	require.NoError(t, err)
	contents := make([]string, 0, len(results))
	for _, r := range results {
		contents = append(contents, r.Content)
	}
	assert.Contains(t, contents, "公开线索")
	assert.Contains(t, contents, "r1的专属线索")
	assert.NotContains(t, contents, "r2的专属线索")
}

func TestGlobalMemoryVisibilityRefillsToTopK(t *testing.T) {
	svc, embedder := newTestMemoryService(t)
	ctx := context.Background()

	embedder.vecs["线索"] = []float32{0, 0, 0, 0}

	// 大量更相近的他人专属记录排在r1可见记录前面
	rows := make([]GlobalInsert, 0, 23)
	for i := 0; i < 20; i++ {
		content := "r2的线索" + string(rune('a'+i))
		embedder.vecs[content] = []float32{0.01 * float32(i+1), 0, 0, 0}
		rows = append(rows, GlobalInsert{ScriptID: "s1", RoleID: "r2", Kind: models.MemoryClue, Content: content})
	}
	for i, content := range []string{"r1的线索一", "r1的线索二", "r1的线索三"} {
		embedder.vecs[content] = []float32{0.5 + 0.1*float32(i), 0, 0, 0}
		rows = append(rows, GlobalInsert{ScriptID: "s1", RoleID: "r1", Kind: models.MemoryClue, Content: content})
	}
	_, err := svc.BatchInsertGlobalMemory(ctx, rows)
	require.NoError(t, err)

	// 放宽窗口不足以覆盖r1可见记录时，检索层必须扩大窗口补齐
	results, err := svc.SearchGlobalMemory(ctx, "s1", "r1", models.MemoryClue, "线索", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, "r1", r.RoleID)
	}
}

func TestClueRelationStrength(t *testing.T) {
	svc, embedder := newTestMemoryService(t)
	ctx := context.Background()

	embedder.vecs["identicalA"] = []float32{1, 0, 0, 0}
	embedder.vecs["identicalB"] = []float32{1, 0, 0, 0}
	embedder.vecs["opposite"] = []float32{-1, 0, 0, 0}

	idA, err := svc.InsertGlobalMemory(ctx, GlobalInsert{ScriptID: "s1", Kind: models.MemoryClue, Content: "identicalA"})
	require.NoError(t, err)
	idB, err := svc.InsertGlobalMemory(ctx, GlobalInsert{ScriptID: "s1", Kind: models.MemoryClue, Content: "identicalB"})
	require.NoError(t, err)
	idC, err := svc.InsertGlobalMemory(ctx, GlobalInsert{ScriptID: "s1", Kind: models.MemoryClue, Content: "opposite"})
	require.NoError(t, err)

	// 相同嵌入 -> 强度100
	strength, err := svc.ClueRelationStrength(ctx, idA, idB)
	require.NoError(t, err)
	assert.Equal(t, 100, strength)

	// 相反嵌入 -> 强度0
	strength, err = svc.ClueRelationStrength(ctx, idA, idC)
	require.NoError(t, err)
	assert.Equal(t, 0, strength)

	// 缺失的记录 -> 强度0而不是错误
	strength, err = svc.ClueRelationStrength(ctx, idA, "no-such-id")
	require.NoError(t, err)
	assert.Equal(t, 0, strength)
}

func TestFilterByDiscoveredClues(t *testing.T) {
	svc, embedder := newTestMemoryService(t)
	ctx := context.Background()

	embedder.vecs["query"] = []float32{0, 0, 0, 0}
	embedder.vecs["close"] = []float32{0.1, 0, 0, 0}
	embedder.vecs["mid"] = []float32{0.5, 0, 0, 0}
	embedder.vecs["far"] = []float32{0.9, 0, 0, 0}

	for _, content := range []string{"far", "close", "mid"} {
		_, err := svc.InsertConversationMemory(ctx, "g1", "p1", "张三", content)
		require.NoError(t, err)
	}

	// 按相似度降序截断到topK；discoveredClueIDs当前不参与过滤
	results, err := svc.FilterByDiscoveredClues(ctx, "g1", "p1", []string{"clue-x"}, "query", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "close", results[0].Content)
	assert.Equal(t, "mid", results[1].Content)
	assert.Greater(t, results[0].Score, results[1].Score)
}
