package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to an OpenAI-compatible chat-completions endpoint.
//
// The streaming call is a raw HTTP POST: the relay's frame decoder consumes
// the response body byte-for-byte, so the SDK's pre-decoded stream cannot be
// used there. Non-streaming calls go through the SDK.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	sdk     *openai.Client
}

// NewOpenAIClient creates a client for the given endpoint.
func NewOpenAIClient(baseURL, apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("upstream API key is required")
	}

	sdkCfg := openai.DefaultConfig(apiKey)
	sdkCfg.BaseURL = baseURL

	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		// No client-level timeout: streams are long-lived and bounded by the
		// request context instead.
		http: &http.Client{},
		sdk:  openai.NewClientWithConfig(sdkCfg),
	}, nil
}

type streamPayload struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
}

// OpenStream issues the streaming completion request and returns the raw
// event-stream body. A non-2xx status closes the body and returns a
// *StatusError.
func (c *OpenAIClient) OpenStream(ctx context.Context, req *StreamRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(&streamPayload{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open upstream stream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode}
	}

	return resp.Body, nil
}

// Complete sends a single non-streaming prompt and returns the response text.
func (c *OpenAIClient) Complete(ctx context.Context, model, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
