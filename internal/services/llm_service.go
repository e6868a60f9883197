// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Corphon/JubenshaMCP/internal/config"
	"github.com/Corphon/JubenshaMCP/internal/llm"
)

var ErrLLMNotReady = errors.New("llm service not ready")

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	cache         *LLMCache
	isReady       bool
}

// LLMCache 简单的响应缓存，避免重复调用
type LLMCache struct {
	cache      map[string]*llmCacheEntry
	mutex      sync.RWMutex
	expiration time.Duration
}

type llmCacheEntry struct {
	Response  *llm.CompletionResponse
	CreatedAt time.Time
}

// NewLLMService 根据当前配置创建LLM服务
func NewLLMService() *LLMService {
	cfg := config.GetCurrentConfig()

	service := &LLMService{
		cache: &LLMCache{
			cache:      make(map[string]*llmCacheEntry),
			expiration: 10 * time.Minute,
		},
	}

	if cfg.LLMProvider == "" || cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "" {
		log.Println("⚠️ LLM配置不完整，LLM服务以未就绪状态启动")
		return service
	}

	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		log.Printf("⚠️ 初始化LLM提供者失败: %v", err)
		return service
	}

	service.provider = provider
	service.providerName = cfg.LLMProvider
	service.isReady = true
	log.Printf("✅ LLM服务已就绪，提供者: %s", provider.GetName())
	return service
}

// NewEmptyLLMService 创建未绑定提供者的LLM服务（测试和冷启动用）
func NewEmptyLLMService() *LLMService {
	return &LLMService{
		cache: &LLMCache{
			cache:      make(map[string]*llmCacheEntry),
			expiration: 10 * time.Minute,
		},
	}
}

// IsReady 检查服务是否可用
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.isReady && s.provider != nil
}

// SetProvider 切换底层提供者
func (s *LLMService) SetProvider(name string, providerConfig map[string]string) error {
	provider, err := llm.GetProvider(name, providerConfig)
	if err != nil {
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.provider = provider
	s.providerName = name
	s.isReady = true
	return nil
}

// GetProviderName 返回当前提供者名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// CompleteText 文本生成，带缓存
func (s *LLMService) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.providerMutex.RLock()
	provider := s.provider
	ready := s.isReady
	s.providerMutex.RUnlock()

	if !ready || provider == nil {
		return nil, ErrLLMNotReady
	}

	// 命中缓存直接返回
	key := cacheKey(req)
	if cached := s.cache.get(key); cached != nil {
		return cached, nil
	}

	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		return nil, err
	}

	s.cache.put(key, resp)
	return resp, nil
}

func cacheKey(req llm.CompletionRequest) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(req.Model+"|"+req.SystemPrompt+"|"+req.Prompt)))
}

func (c *LLMCache) get(key string) *llm.CompletionResponse {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists || time.Since(entry.CreatedAt) > c.expiration {
		return nil
	}
	return entry.Response
}

func (c *LLMCache) put(key string, resp *llm.CompletionResponse) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &llmCacheEntry{
		Response:  resp,
		CreatedAt: time.Now(),
	}
}
