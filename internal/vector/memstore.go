// internal/vector/memstore.go
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore 是Store的进程内实现：暴力L2搜索，无索引。
// 用于本地模式和测试；生产部署可替换为远端向量数据库客户端。
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dim     int
	records map[string]Record
}

// NewMemoryStore 创建进程内向量存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memCollection),
	}
}

// CreateCollection 创建集合（幂等）
func (s *MemoryStore) CreateCollection(_ context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("非法的向量维度: %d", dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[name]; exists {
		return nil
	}
	s.collections[name] = &memCollection{
		dim:     dim,
		records: make(map[string]Record),
	}
	return nil
}

// HasCollection 检查集合是否存在
func (s *MemoryStore) HasCollection(_ context.Context, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.collections[name]
	return exists
}

// Insert 插入记录并返回生成的主键
func (s *MemoryStore) Insert(_ context.Context, collection string, records []Record) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, exists := s.collections[collection]
	if !exists {
		return nil, ErrCollectionNotFound
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) != coll.dim {
			return ids, fmt.Errorf("%w: 期望 %d，实际 %d", ErrDimensionMismatch, coll.dim, len(rec.Embedding))
		}
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		rec.ID = id
		coll.records[id] = cloneRecord(rec)
		ids = append(ids, id)
	}
	return ids, nil
}

// Upsert 按ID覆盖写入，返回实际写入数量
func (s *MemoryStore) Upsert(_ context.Context, collection string, records []Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, exists := s.collections[collection]
	if !exists {
		return 0, ErrCollectionNotFound
	}

	count := 0
	for _, rec := range records {
		if len(rec.Embedding) != coll.dim {
			return count, fmt.Errorf("%w: 期望 %d，实际 %d", ErrDimensionMismatch, coll.dim, len(rec.Embedding))
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		coll.records[rec.ID] = cloneRecord(rec)
		count++
	}
	return count, nil
}

// Search 在filter限定的记录内做L2近邻搜索
func (s *MemoryStore) Search(_ context.Context, collection string, query []float32, filter string, topK int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, exists := s.collections[collection]
	if !exists {
		return nil, ErrCollectionNotFound
	}
	if len(query) != coll.dim {
		return nil, fmt.Errorf("%w: 期望 %d，实际 %d", ErrDimensionMismatch, coll.dim, len(query))
	}

	pred, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0)
	for id, rec := range coll.records {
		if !pred(rec) {
			continue
		}
		results = append(results, SearchResult{
			ID:       id,
			Fields:   cloneFields(rec.Fields),
			Distance: l2Distance(query, rec.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Query 按filter返回记录（含嵌入）
func (s *MemoryStore) Query(_ context.Context, collection string, filter string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, exists := s.collections[collection]
	if !exists {
		return nil, ErrCollectionNotFound
	}

	pred, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0)
	for _, rec := range coll.records {
		if !pred(rec) {
			continue
		}
		records = append(records, cloneRecord(rec))
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

// Delete 按ID删除，返回实际删除数量
func (s *MemoryStore) Delete(_ context.Context, collection string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, exists := s.collections[collection]
	if !exists {
		return 0, ErrCollectionNotFound
	}

	count := 0
	for _, id := range ids {
		if _, ok := coll.records[id]; ok {
			delete(coll.records, id)
			count++
		}
	}
	return count, nil
}

// DropCollection 删除整个集合（幂等）
func (s *MemoryStore) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, name)
	return nil
}

// ========================================
// 过滤表达式求值
// ========================================

type predicate func(Record) bool

// parseFilter 解析形如 `a == 'x' and b == 1` 的等值合取表达式。
// 空表达式匹配所有记录。
func parseFilter(filter string) (predicate, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return func(Record) bool { return true }, nil
	}

	terms := strings.Split(filter, " and ")
	checks := make([]func(Record) bool, 0, len(terms))
	for _, term := range terms {
		parts := strings.SplitN(term, "==", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("无法解析过滤表达式: %q", term)
		}
		field := strings.TrimSpace(parts[0])
		raw := strings.TrimSpace(parts[1])

		if strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") && len(raw) >= 2 {
			want := strings.ReplaceAll(raw[1:len(raw)-1], "\\'", "'")
			checks = append(checks, func(rec Record) bool {
				// id是主键字段，不在Fields中
				if field == "id" {
					return rec.ID == want
				}
				got, ok := rec.Fields[field].(string)
				return ok && got == want
			})
		} else {
			want := raw
			checks = append(checks, func(rec Record) bool {
				got, ok := rec.Fields[field]
				return ok && fmt.Sprintf("%v", got) == want
			})
		}
	}

	return func(rec Record) bool {
		for _, check := range checks {
			if !check(rec) {
				return false
			}
		}
		return true
	}, nil
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cloneRecord(rec Record) Record {
	out := Record{
		ID:        rec.ID,
		Fields:    cloneFields(rec.Fields),
		Embedding: make([]float32, len(rec.Embedding)),
	}
	copy(out.Embedding, rec.Embedding)
	return out
}

func cloneFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
