package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"homesense/dashboard/internal/config"
	"homesense/dashboard/internal/logging"
	"homesense/dashboard/internal/metrics"
)

const (
	aiPurposeAdvice    = "advice"
	aiPurposeTopAdvice = "top_advice"
	aiPurposeChat      = "chat"
)

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type AIModelRequest struct {
	Purpose      string
	Model        string
	SystemPrompt string
	Conversation []ChatTurn
	UserPrompt   string
	// MaxOutputTokens of 0 leaves the provider default in place.
	MaxOutputTokens int
}

type AIModelResponse struct {
	Answer string
	Model  string
	Usage  AIUsage
}

type AIClient interface {
	Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error)
}

// NewAIClient returns the configured provider client behind a circuit breaker,
// or the offline mock when no API key is set.
func NewAIClient(cfg config.Config) AIClient {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		logging.Warn().Msg("OPENAI_API_KEY is not set; using the offline mock completion client")
		return newBreakerAIClient(MockAIClient{Model: cfg.OpenAIModel})
	}
	return newBreakerAIClient(NewOpenAIResponsesClient(cfg))
}

type OpenAIResponsesClient struct {
	apiKey          string
	baseURL         string
	model           string
	reasoningEffort string
	timeout         time.Duration
	httpClient      *http.Client
}

func NewOpenAIResponsesClient(cfg config.Config) *OpenAIResponsesClient {
	timeoutSeconds := cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	timeout := time.Duration(timeoutSeconds) * time.Second
	return &OpenAIResponsesClient{
		apiKey:          strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
		model:           strings.TrimSpace(cfg.OpenAIModel),
		reasoningEffort: strings.TrimSpace(cfg.AIReasoningEffort),
		timeout:         timeout,
		httpClient:      &http.Client{Timeout: timeout + 5*time.Second},
	}
}

type inputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type inputBlock struct {
	Role    string      `json:"role"`
	Content []inputText `json:"content"`
}

func buildResponsesInput(req AIModelRequest) []inputBlock {
	input := make([]inputBlock, 0, len(req.Conversation)+2)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		input = append(input, inputBlock{
			Role:    "system",
			Content: []inputText{{Type: "input_text", Text: system}},
		})
	}
	for _, turn := range req.Conversation {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		contentType := "input_text"
		if role == "assistant" {
			contentType = "output_text"
		}
		input = append(input, inputBlock{
			Role:    role,
			Content: []inputText{{Type: contentType, Text: content}},
		})
	}
	if userPrompt := strings.TrimSpace(req.UserPrompt); userPrompt != "" {
		input = append(input, inputBlock{
			Role:    "user",
			Content: []inputText{{Type: "input_text", Text: userPrompt}},
		})
	}
	return input
}

func (c *OpenAIResponsesClient) Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error) {
	if c.apiKey == "" {
		return AIModelResponse{}, errors.New("OPENAI_API_KEY is not configured")
	}
	if c.baseURL == "" {
		return AIModelResponse{}, errors.New("OPENAI_BASE_URL is not configured")
	}
	requestModel := strings.TrimSpace(req.Model)
	if requestModel == "" {
		requestModel = c.model
	}
	if requestModel == "" {
		return AIModelResponse{}, errors.New("OPENAI_MODEL is not configured")
	}

	input := buildResponsesInput(req)
	if len(input) == 0 {
		return AIModelResponse{}, errors.New("AI request input is empty")
	}
	payload := map[string]any{
		"model": requestModel,
		"input": input,
	}
	if req.MaxOutputTokens > 0 {
		payload["max_output_tokens"] = req.MaxOutputTokens
	}
	if c.reasoningEffort != "" {
		payload["reasoning"] = map[string]any{"effort": c.reasoningEffort}
	}
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return AIModelResponse{}, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(bodyRaw))
	if err != nil {
		return AIModelResponse{}, err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return AIModelResponse{}, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return AIModelResponse{}, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return AIModelResponse{}, fmt.Errorf("openai responses error (%d): %s", response.StatusCode, truncateForLog(string(responseBody), 600))
	}

	parsed := parseJSONStringMap(responseBody)
	answer := extractResponseAnswer(parsed)
	if strings.TrimSpace(answer) == "" {
		if isMaxOutputTokenIncomplete(parsed) {
			return AIModelResponse{}, errors.New("openai response incomplete due max_output_tokens")
		}
		logging.Ctx(ctx).Warn().Str("body", truncateForLog(string(responseBody), 1200)).Msg("openai response had no extractable answer")
		return AIModelResponse{}, errors.New("openai response answer is empty")
	}

	usage, _ := parsed["usage"].(map[string]any)
	modelName := strings.TrimSpace(toString(parsed["model"]))
	if modelName == "" {
		modelName = requestModel
	}
	return AIModelResponse{
		Answer: answer,
		Model:  modelName,
		Usage: AIUsage{
			PromptTokens:     int(extractNumberFromMap(usage, "input_tokens", "prompt_tokens")),
			CompletionTokens: int(extractNumberFromMap(usage, "output_tokens", "completion_tokens")),
			TotalTokens:      int(extractNumberFromMap(usage, "total_tokens")),
		},
	}, nil
}

func extractResponseAnswer(data map[string]any) string {
	direct := strings.TrimSpace(toString(data["output_text"]))
	if direct != "" {
		return direct
	}

	outputs, ok := data["output"].([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0)
	for _, item := range outputs {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		contentList, ok := block["content"].([]any)
		if !ok {
			continue
		}
		for _, contentItem := range contentList {
			contentMap, ok := contentItem.(map[string]any)
			if !ok {
				continue
			}
			contentType := strings.ToLower(strings.TrimSpace(toString(contentMap["type"])))
			if contentType != "output_text" && contentType != "text" {
				continue
			}
			if text := strings.TrimSpace(toString(contentMap["text"])); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func isMaxOutputTokenIncomplete(parsed map[string]any) bool {
	details, ok := parsed["incomplete_details"].(map[string]any)
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(toString(details["reason"])), "max_output_tokens")
}

// breakerAIClient fails fast while the provider is unhealthy. Requests are
// never retried.
type breakerAIClient struct {
	inner AIClient
	cb    *gobreaker.CircuitBreaker[AIModelResponse]
}

const (
	aiBreakerFailureThreshold = 5
	aiBreakerOpenTimeout      = 30 * time.Second
)

func newBreakerAIClient(inner AIClient) *breakerAIClient {
	settings := gobreaker.Settings{
		Name:        "completion-api",
		MaxRequests: 1,
		Timeout:     aiBreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= aiBreakerFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// a caller that went away says nothing about provider health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("completion circuit breaker state changed")
		},
	}
	return &breakerAIClient{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[AIModelResponse](settings),
	}
}

func (b *breakerAIClient) Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error) {
	started := time.Now()
	resp, err := b.cb.Execute(func() (AIModelResponse, error) {
		return b.inner.Query(ctx, req)
	})
	purpose := req.Purpose
	if purpose == "" {
		purpose = "unknown"
	}
	metrics.RecordCompletion(purpose, time.Since(started), err)
	return resp, err
}

// MockAIClient answers offline. It keeps the dashboard usable in local
// development without a provider key.
type MockAIClient struct {
	Model string
}

func (m MockAIClient) Query(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
	var answer string
	switch req.Purpose {
	case aiPurposeAdvice:
		answer = strings.Join([]string{
			`Room General: "Lower heating setpoints by 1°C overnight when rooms are unoccupied."`,
			`Room General: "Switch lights off automatically when PIR sensors report no movement for 15 minutes."`,
		}, "\n")
	case aiPurposeTopAdvice:
		lines := make([]string, 0, 10)
		for _, line := range splitNonEmptyLines(req.UserPrompt) {
			if strings.HasPrefix(line, "- ") {
				lines = append(lines, line)
			}
			if len(lines) == 10 {
				break
			}
		}
		answer = strings.Join(lines, "\n")
	default:
		question := strings.TrimSpace(req.UserPrompt)
		if question == "" {
			question = "No question provided."
		}
		answer = "Mock response: " + truncateForLog(question, 200)
	}
	if strings.TrimSpace(answer) == "" {
		answer = "No advice available."
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(m.Model)
	}
	if model == "" {
		model = "mock"
	}
	return AIModelResponse{Answer: answer, Model: model}, nil
}
