// Package describe 为已上传的图片生成提示词。
package describe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"purepale-studio/internal/config"
)

var ErrDisabled = errors.New("prompt from image is disabled")

// Describer 根据后端图片路径返回一段提示词
type Describer interface {
	Describe(ctx context.Context, path string) (string, error)
}

// BackendClient 后端 /api/img2prompt
type BackendClient interface {
	Img2Prompt(ctx context.Context, path string) (string, error)
}

// ImageFetcher 下载后端图片
type ImageFetcher interface {
	FetchImage(ctx context.Context, path string) ([]byte, string, error)
}

// Backend 使用生成后端自带的图生文模型
type Backend struct {
	client BackendClient
}

func NewBackend(client BackendClient) *Backend {
	return &Backend{client: client}
}

func (b *Backend) Describe(ctx context.Context, path string) (string, error) {
	prompt, err := b.client.Img2Prompt(ctx, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(prompt), nil
}

type disabled struct{}

func (disabled) Describe(context.Context, string) (string, error) {
	return "", ErrDisabled
}

// New 按配置选择提供方
func New(cfg config.DescribeConfig, backend BackendClient, fetcher ImageFetcher) (Describer, error) {
	switch cfg.Provider {
	case "", "backend":
		return NewBackend(backend), nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("describe.openai.api_key is required for the openai provider")
		}
		return NewOpenAI(cfg.OpenAI, fetcher), nil
	case "none":
		return disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown describe provider %q", cfg.Provider)
	}
}
