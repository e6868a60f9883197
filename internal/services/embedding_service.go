// internal/services/embedding_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Embedder 将文本映射为固定维度的向量。
// 空文本返回nil而不是错误，调用方按"跳过该记录"处理。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// EmbeddingService 通过OpenAI兼容的/embeddings端点生成嵌入向量
type EmbeddingService struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

// NewEmbeddingService 创建嵌入服务
func NewEmbeddingService(baseURL, apiKey, model string, dim int) *EmbeddingService {
	return &EmbeddingService{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Dimension 返回配置的固定向量维度
func (s *EmbeddingService) Dimension() int {
	return s.dim
}

type embeddingRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed 生成嵌入向量；空文本返回nil
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{
		Model:      s.model,
		Input:      text,
		Dimensions: s.dim,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求嵌入服务失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("解析嵌入响应失败: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("嵌入服务返回错误: %s", parsed.Error.Message)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		// 视为数据一致性问题，交由调用方跳过该记录
		log.Printf("⚠️ 嵌入服务未返回向量，文本长度: %d", len(text))
		return nil, nil
	}

	embedding := parsed.Data[0].Embedding
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("嵌入维度不符，期望 %d，实际 %d", s.dim, len(embedding))
	}
	return embedding, nil
}
