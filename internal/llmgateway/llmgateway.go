// Package llmgateway is the single point of contact with hosted model
// providers, generalizing the source system's Gemini-only Agent.call_gemini
// into a multi-provider gateway dispatched by model-name prefix, adapting
// the structured-log wrapping idiom of internal/llm/anthropic/client.go,
// internal/llm/openai_client.go and internal/llm/google/client.go.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v2"
	openaiopt "github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	genai "google.golang.org/genai"

	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/observability"
)

// Config carries provider credentials and defaults, mirroring
// internal/config's LLMConfig.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DefaultModel    string
	MaxTokens       int

	// EmbeddingHost/EmbeddingAPIKey/EmbeddingModel configure Embed, an
	// OpenAI-compatible embeddings endpoint reachable over plain HTTP
	// (works against api.openai.com as well as self-hosted
	// OpenAI-protocol servers).
	EmbeddingHost   string
	EmbeddingAPIKey string
	EmbeddingModel  string
}

// Gateway dispatches Complete calls to the provider implied by the model
// name prefix: "gpt-"/"o<digits>-" → OpenAI, "gemini-" → Google, anything
// else → Anthropic (the primary provider).
type Gateway struct {
	anthropicClient anthropic.Client
	openaiClient    openai.Client
	googleClient    *genai.Client
	maxTokens       int64
	defaultModel    string

	embeddingHost   string
	embeddingAPIKey string
	embeddingModel  string
	httpClient      *http.Client
}

// New constructs provider SDK clients for whichever API keys are set;
// Complete fails with a configuration error for a model whose provider
// has no client.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	g := &Gateway{
		maxTokens:       int64(cfg.MaxTokens),
		defaultModel:    cfg.DefaultModel,
		embeddingHost:   cfg.EmbeddingHost,
		embeddingAPIKey: cfg.EmbeddingAPIKey,
		embeddingModel:  cfg.EmbeddingModel,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
	}
	if g.maxTokens <= 0 {
		g.maxTokens = 1024
	}
	if g.embeddingModel == "" {
		g.embeddingModel = "text-embedding-3-small"
	}

	if cfg.AnthropicAPIKey != "" {
		g.anthropicClient = anthropic.NewClient(anthropicopt.WithAPIKey(cfg.AnthropicAPIKey))
	}
	if cfg.OpenAIAPIKey != "" {
		g.openaiClient = openai.NewClient(openaiopt.WithAPIKey(cfg.OpenAIAPIKey))
	}
	if cfg.GoogleAPIKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.GoogleAPIKey})
		if err != nil {
			return nil, faultcore.Configuration("init google genai client: %w", err)
		}
		g.googleClient = client
	}
	return g, nil
}

type provider int

const (
	providerAnthropic provider = iota
	providerOpenAI
	providerGoogle
)

func providerFor(model string) provider {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gemini-"):
		return providerGoogle
	case strings.HasPrefix(m, "gpt-"), isOpenAIReasoningModel(m):
		return providerOpenAI
	default:
		return providerAnthropic
	}
}

// isOpenAIReasoningModel matches OpenAI's "o<int>-*" model family (o1-pro,
// o4-mini, ...), the same pattern internal/llm/openai_client.go's
// isThinkingModel checks.
func isOpenAIReasoningModel(model string) bool {
	if !strings.HasPrefix(model, "o") {
		return false
	}
	rest := model[1:]
	i := 0
	for ; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
	}
	return i > 0 && i < len(rest) && rest[i] == '-'
}

// Complete issues a single prompt completion against the provider implied
// by model. Timeouts and provider 5xx/429 are retryable (classified
// KindDependency, the default faultcore.Retryable outcome for
// unclassified errors); 4xx authentication/validation failures are
// reported KindAuthentication/KindValidation so FaultCore does not retry
// them.
func (g *Gateway) Complete(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = int(g.maxTokens)
	}
	log := observability.LoggerWithTrace(ctx)
	start := time.Now()

	var text string
	var err error
	switch providerFor(model) {
	case providerGoogle:
		text, err = g.completeGoogle(ctx, model, prompt, temperature, maxTokens)
	case providerOpenAI:
		text, err = g.completeOpenAI(ctx, model, prompt, temperature, maxTokens)
	default:
		text, err = g.completeAnthropic(ctx, model, prompt, temperature, maxTokens)
	}

	dur := time.Since(start)
	if err != nil {
		log.Warn().Str("model", model).Dur("duration", dur).Err(err).Msg("llmgateway_complete_error")
		return "", err
	}
	log.Debug().Str("model", model).Dur("duration", dur).Int("response_len", len(text)).Msg("llmgateway_complete_ok")
	return strings.TrimSpace(text), nil
}

func (g *Gateway) completeAnthropic(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (string, error) {
	if len(g.anthropicClient.Options) == 0 {
		return "", faultcore.Configuration("anthropic client not configured")
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	resp, err := g.anthropicClient.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicError(err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}

func (g *Gateway) completeOpenAI(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (string, error) {
	if len(g.openaiClient.Options) == 0 {
		return "", faultcore.Configuration("openai client not configured")
	}
	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: param.NewOpt(temperature),
	}
	if isOpenAIReasoningModel(strings.ToLower(model)) {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	} else {
		params.MaxTokens = param.NewOpt(int64(maxTokens))
	}
	resp, err := g.openaiClient.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", faultcore.Dependency("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Gateway) completeGoogle(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (string, error) {
	if g.googleClient == nil {
		return "", faultcore.Configuration("google client not configured")
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{{Text: prompt}}, genai.RoleUser),
	}
	temp := float32(temperature)
	maxTok := int32(maxTokens)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: maxTok,
	}
	resp, err := g.googleClient.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", classifyGoogleError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", faultcore.Dependency("google returned no candidates")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}

// embeddingRequest/embeddingResponse mirror the OpenAI embeddings wire
// format, the same shape internal/llm/embeddings.go's EmbeddingRequest and
// EmbeddingResponse posted against a configurable host.
type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed converts text to a vector via an OpenAI-compatible embeddings
// endpoint, the Embedder capability consensus.SemanticCluster and
// vectorstore indexing build on. Unlike Complete's SDK-routed dispatch,
// this speaks plain HTTP directly against EmbeddingHost — there is no
// first-party SDK for this family of self-hostable embedding servers, so
// the request is built and posted the way the teacher's own
// GenerateEmbeddings/FetchEmbeddings pair does it.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.embeddingHost == "" {
		return nil, faultcore.Configuration("embedding host not configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil, faultcore.Validation("cannot embed empty text")
	}

	body, err := json.Marshal(embeddingRequest{
		Input:          []string{text},
		Model:          g.embeddingModel,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, faultcore.Validation("marshal embedding request: %w", err)
	}

	observability.LoggerWithTrace(ctx).Debug().RawJSON("payload", observability.RedactJSON(body)).Msg("llmgateway_embed_request")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.embeddingHost, bytes.NewReader(body))
	if err != nil {
		return nil, faultcore.Validation("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.embeddingAPIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.embeddingAPIKey))
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, faultcore.Dependency("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("embedding endpoint returned status %d", resp.StatusCode))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, faultcore.Dependency("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, faultcore.Dependency("embedding endpoint returned no data")
	}
	return parsed.Data[0].Embedding, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, err)
	}
	return faultcore.Dependency("anthropic request: %w", err)
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, err)
	}
	return faultcore.Dependency("openai request: %w", err)
}

func classifyGoogleError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, err)
	}
	return faultcore.Dependency("google request: %w", err)
}

// classifyStatus maps an HTTP status from a provider response onto
// faultcore's retry taxonomy: 401/403 are non-retryable authentication
// failures, other 4xx are non-retryable validation failures, 429 and 5xx
// are retryable dependency failures.
func classifyStatus(status int, err error) error {
	switch {
	case status == 401 || status == 403:
		return faultcore.Authentication("provider rejected credentials (status %d): %w", status, err)
	case status == 429:
		return faultcore.Dependency("provider rate limited (status %d): %w", status, err)
	case status >= 400 && status < 500:
		return faultcore.Validation("provider rejected request (status %d): %w", status, err)
	default:
		return faultcore.Dependency("provider error (status %d): %w", status, err)
	}
}
