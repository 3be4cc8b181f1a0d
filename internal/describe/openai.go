package describe

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"purepale-studio/internal/config"
	"purepale-studio/pkg/logger"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI 用视觉模型描述图片。图片先从后端下载，再以 data URL 发送。
type OpenAI struct {
	client    *openai.Client
	fetcher   ImageFetcher
	model     string
	prompt    string
	maxTokens int
	timeout   time.Duration
}

func NewOpenAI(cfg config.OpenAIConfig, fetcher ImageFetcher) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:    openai.NewClientWithConfig(clientConfig),
		fetcher:   fetcher,
		model:     cfg.Model,
		prompt:    cfg.Prompt,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

func (o *OpenAI) Describe(ctx context.Context, path string) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	data, contentType, err := o.fetcher.FetchImage(ctx, path)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/png"
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: o.prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai describe: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai describe: no choices returned")
	}

	prompt := strings.TrimSpace(resp.Choices[0].Message.Content)
	logger.Debugf("openai described %s (%d bytes) with %s", path, len(data), o.model)
	return prompt, nil
}
