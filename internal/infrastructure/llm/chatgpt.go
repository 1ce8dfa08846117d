package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ObitPipeline/internal/config"
	"ObitPipeline/internal/ports"
)

// ChatGPTClient implements ports.ChatCompleter against OpenAI-compatible
// chat-completion APIs. Responses are requested as strict JSON objects and
// the reported token usage is returned for budget true-up.
type ChatGPTClient struct {
	endpoint      string
	model         string
	fallbackModel string
	apiKey        string
	temperature   float64
	httpClient    *http.Client
}

var _ ports.ChatCompleter = (*ChatGPTClient)(nil)

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.ChatGPTConfig) *ChatGPTClient {
	return &ChatGPTClient{
		endpoint:      cfg.Endpoint,
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
		apiKey:        cfg.APIKey,
		temperature:   cfg.Temperature,
		httpClient:    &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequestBody struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponseBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Complete issues one chat-completion call. On a permission/model-blocked
// response it retries once with the configured fallback model.
func (c *ChatGPTClient) Complete(ctx context.Context, req ports.ChatRequest) (ports.ChatResult, error) {
	if c == nil || c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return ports.ChatResult{}, &APIError{Category: CategoryAuthorization, Message: "chatgpt client misconfigured"}
	}

	result, err := c.complete(ctx, c.model, req)
	if err != nil && CategoryOf(err) == CategoryPermission && c.fallbackModel != "" && c.fallbackModel != c.model {
		result, err = c.complete(ctx, c.fallbackModel, req)
	}
	return result, err
}

func (c *ChatGPTClient) complete(ctx context.Context, model string, req ports.ChatRequest) (ports.ChatResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequestBody{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return ports.ChatResult{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ports.ChatResult{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ports.ChatResult{}, &APIError{Category: CategoryTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return ports.ChatResult{}, c.statusError(resp)
	}

	var parsed chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ports.ChatResult{}, &APIError{Category: CategoryMalformed, Status: resp.Status, Message: fmt.Sprintf("decode response: %v", err)}
	}

	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return ports.ChatResult{}, &APIError{Category: CategoryMalformed, Status: resp.Status, Message: "empty completion content"}
	}

	return ports.ChatResult{
		Content:    parsed.Choices[0].Message.Content,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

func (c *ChatGPTClient) statusError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	message := strings.TrimSpace(string(payload))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &APIError{Category: CategoryAuthorization, Status: resp.Status, Message: message}
	case http.StatusForbidden:
		return &APIError{Category: CategoryPermission, Status: resp.Status, Message: message}
	case http.StatusTooManyRequests:
		return &APIError{
			Category:   CategoryRateLimited,
			Status:     resp.Status,
			Message:    message,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return &APIError{Category: CategoryTransport, Status: resp.Status, Message: message}
	}
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
