package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fastai/backend/internal/config"
)

// GenerationParams is the fixed decoding configuration forwarded to the
// provider on every call. Values come from config, not request payloads.
type GenerationParams struct {
	DecodingMethod    string
	Temperature       float64
	MinNewTokens      int
	MaxNewTokens      int
	RepetitionPenalty float64
	StopSequences     []string
}

// RawResponse carries one of the shapes a completion provider is known to
// return. At most one field is set; normalizeCompletion resolves them in
// precedence order (Content, Map, List, Text).
type RawResponse struct {
	Content *string        // object exposing a content field
	Map     map[string]any // mapping: generations list, output field, or generic
	List    []any          // sequence of parts
	Text    *string        // plain string
}

// TextCompletionClient is the remote text-completion capability. The
// orchestration depends on this interface only; tests substitute a stub.
type TextCompletionClient interface {
	Complete(ctx context.Context, prompt string, params GenerationParams) (RawResponse, error)
}

type WatsonxClient struct {
	apiKey     string
	baseURL    string
	projectID  string
	modelID    string
	httpClient *http.Client
}

func NewWatsonxClient(cfg config.Config) *WatsonxClient {
	timeoutSeconds := cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &WatsonxClient{
		apiKey:    strings.TrimSpace(cfg.WatsonxAPIKey),
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.WatsonxURL), "/"),
		projectID: strings.TrimSpace(cfg.WatsonxProjectID),
		modelID:   strings.TrimSpace(cfg.WatsonxModelID),
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

func generationParamsFromConfig(cfg config.Config) GenerationParams {
	return GenerationParams{
		DecodingMethod:    cfg.AIDecodingMethod,
		Temperature:       cfg.AITemperature,
		MinNewTokens:      cfg.AIMinNewTokens,
		MaxNewTokens:      cfg.AIMaxNewTokens,
		RepetitionPenalty: cfg.AIRepetitionPenalty,
		StopSequences:     cfg.AIStopSequences,
	}
}

func (c *WatsonxClient) Complete(ctx context.Context, prompt string, params GenerationParams) (RawResponse, error) {
	if c.apiKey == "" {
		return RawResponse{}, errors.New("WATSONX_APIKEY is not configured")
	}
	if c.baseURL == "" {
		return RawResponse{}, errors.New("WATSONX_URL is not configured")
	}
	if c.modelID == "" {
		return RawResponse{}, errors.New("WATSONX_MODEL_ID is not configured")
	}

	payload := map[string]any{
		"model_id":   c.modelID,
		"project_id": c.projectID,
		"input":      prompt,
		"parameters": map[string]any{
			"decoding_method":    params.DecodingMethod,
			"temperature":        params.Temperature,
			"min_new_tokens":     params.MinNewTokens,
			"max_new_tokens":     params.MaxNewTokens,
			"repetition_penalty": params.RepetitionPenalty,
			"stop_sequences":     params.StopSequences,
		},
	}
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return RawResponse{}, err
	}

	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/ml/v1/text/generation",
		bytes.NewReader(bodyRaw),
	)
	if err != nil {
		return RawResponse{}, err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return RawResponse{}, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return RawResponse{}, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return RawResponse{}, fmt.Errorf(
			"watsonx generation error (%d): %s",
			response.StatusCode,
			strings.TrimSpace(string(responseBody)),
		)
	}

	// The provider payload shape is not under our control; hand the parsed
	// mapping to the normalizer instead of assuming one schema here.
	trimmed := strings.TrimSpace(string(responseBody))
	if !strings.HasPrefix(trimmed, "{") {
		return RawResponse{Text: &trimmed}, nil
	}
	return RawResponse{Map: parseJSONStringMap(responseBody)}, nil
}

// MockCompletionClient answers deterministically without network access.
// Err short-circuits every call; Reply overrides the canned answer.
type MockCompletionClient struct {
	Reply string
	Err   error
}

func (m MockCompletionClient) Complete(_ context.Context, prompt string, _ GenerationParams) (RawResponse, error) {
	if m.Err != nil {
		return RawResponse{}, m.Err
	}
	if reply := strings.TrimSpace(m.Reply); reply != "" {
		return RawResponse{Text: &reply}, nil
	}

	question := strings.TrimSpace(prompt)
	if idx := strings.LastIndex(question, "User question:\n"); idx >= 0 {
		question = strings.TrimSpace(question[idx+len("User question:\n"):])
	}
	if question == "" {
		question = "No question provided."
	}
	lowered := strings.ToLower(question)

	answer := "Mock response: " + question
	if strings.Contains(lowered, "fever") || strings.Contains(lowered, "headache") || strings.Contains(lowered, "pain") {
		answer = strings.Join([]string{
			"**Summary**: your symptoms usually resolve on their own, but keep monitoring them.",
			"- Hydrate and rest.",
			"- Track your temperature every 4-6 hours.",
			"- Seek urgent care for breathing trouble, confusion, or a fever above 40C.",
			"Source: WHO fact sheets on common febrile illness.",
		}, "\n")
	}
	if strings.Contains(lowered, "sleep") && !strings.Contains(lowered, "fever") {
		answer = "Mock response: a consistent bedtime and reduced screen time improve sleep quality."
	}

	return RawResponse{
		Map: map[string]any{
			"generations": []any{
				map[string]any{"text": answer},
			},
		},
	}, nil
}
