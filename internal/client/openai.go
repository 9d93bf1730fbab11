package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client    openai.Client
	modelName string
}

func NewOpenAIClient(apiKey, baseURL, modelName string) (*OpenAIClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if modelName == "" {
		modelName = defaultOpenAIModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by WithRetry.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIClient{
		client:    openai.NewClient(opts...),
		modelName: modelName,
	}, nil
}

func (c *OpenAIClient) Completion(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.modelName
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err, "model", model)
		return "", err
	}
	if len(resp.Choices) == 0 {
		slog.Warn("No response content from model", "model", model)
		return "", fmt.Errorf("no response from model")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) ModelName() string {
	return c.modelName
}
