// internal/vector/store.go
package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCollectionNotFound = errors.New("集合不存在")
	ErrDimensionMismatch  = errors.New("向量维度不匹配")
)

// Record 是向量存储中的一条记录：标量负载 + 嵌入向量
type Record struct {
	ID        string
	Fields    map[string]interface{}
	Embedding []float32
}

// SearchResult 一条近邻搜索结果，Distance为L2距离
type SearchResult struct {
	ID       string
	Fields   map[string]interface{}
	Distance float64
}

// Store 定义本核心对向量相似性引擎的全部要求。
// 索引方式、持久化由具体实现决定，不属于本契约。
type Store interface {
	// CreateCollection 创建集合，dim为该集合固定的向量维度；已存在时为幂等
	CreateCollection(ctx context.Context, name string, dim int) error

	// HasCollection 检查集合是否存在
	HasCollection(ctx context.Context, name string) bool

	// Insert 插入记录并返回生成的主键
	Insert(ctx context.Context, collection string, records []Record) ([]string, error)

	// Upsert 按ID覆盖写入；不存在的ID视为插入
	Upsert(ctx context.Context, collection string, records []Record) (int, error)

	// Search 在filter限定的记录内做近邻搜索，按距离升序返回至多topK条
	Search(ctx context.Context, collection string, query []float32, filter string, topK int) ([]SearchResult, error)

	// Query 按filter返回记录（含嵌入），不做向量排序
	Query(ctx context.Context, collection string, filter string, limit int) ([]Record, error)

	// Delete 按ID删除，返回实际删除数量
	Delete(ctx context.Context, collection string, ids []string) (int, error)

	// DropCollection 删除整个集合；不存在时为幂等
	DropCollection(ctx context.Context, name string) error
}

// ========================================
// 过滤表达式构造
// ========================================

// FilterBuilder 构造布尔过滤表达式（`a == 1 and b == 'x'` 形式）
type FilterBuilder struct {
	terms []string
}

// NewFilter 创建过滤表达式构造器
func NewFilter() *FilterBuilder {
	return &FilterBuilder{}
}

// Eq 追加一个等值谓词；value为string时自动加引号
func (b *FilterBuilder) Eq(field string, value interface{}) *FilterBuilder {
	switch v := value.(type) {
	case string:
		b.terms = append(b.terms, fmt.Sprintf("%s == '%s'", field, escapeQuotes(v)))
	default:
		b.terms = append(b.terms, fmt.Sprintf("%s == %v", field, v))
	}
	return b
}

// EqIf 仅当条件成立时追加等值谓词
func (b *FilterBuilder) EqIf(cond bool, field string, value interface{}) *FilterBuilder {
	if cond {
		return b.Eq(field, value)
	}
	return b
}

// String 输出最终表达式，无谓词时返回空串（不过滤）
func (b *FilterBuilder) String() string {
	return strings.Join(b.terms, " and ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
