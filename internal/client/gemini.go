package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiClient struct {
	client    *genai.Client
	modelName string
}

func NewGeminiClient(apiKey string, modelName string) (*GeminiClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	if modelName == "" {
		modelName = defaultGeminiModel
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	return &GeminiClient{
		client:    client,
		modelName: modelName,
	}, nil
}

func (c *GeminiClient) Completion(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.modelName
	}

	var contents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemInstruction = &genai.Content{
				Parts: []*genai.Part{
					{Text: msg.Content},
				},
			}
			continue
		}
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role: role,
			Parts: []*genai.Part{
				{Text: msg.Content},
			},
		})
	}

	config := &genai.GenerateContentConfig{}
	if systemInstruction != nil {
		config.SystemInstruction = systemInstruction
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		slog.Error("Gemini API call failed", "error", err, "model", model)
		return "", err
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		slog.Warn("No response content from model", "model", model)
		return "", fmt.Errorf("no response from model")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text, nil
}

func (c *GeminiClient) ModelName() string {
	return c.modelName
}
