// cmd/orchestrator wires the MessageBus, AuditSink, optional VectorStore,
// LLMGateway, ConsensusEngine, BroadcastHub and FaultCore primitives into
// one Orchestrator and drives a single demonstration conversation. No
// HTTP/WebSocket gateway is started here — that surface is a downstream
// collaborator's responsibility; this binary proves the core turn loop
// end to end against real backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/manifold/orchestrator/internal/agent"
	"github.com/manifold/orchestrator/internal/auditsink"
	"github.com/manifold/orchestrator/internal/broadcast"
	"github.com/manifold/orchestrator/internal/config"
	"github.com/manifold/orchestrator/internal/consensus"
	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/llmgateway"
	"github.com/manifold/orchestrator/internal/messagebus"
	"github.com/manifold/orchestrator/internal/observability"
	"github.com/manifold/orchestrator/internal/orchestrator"
	"github.com/manifold/orchestrator/internal/telemetry"
	"github.com/manifold/orchestrator/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("orchestrator")
	}
}

func run() error {
	// .env is loaded best-effort before config.yaml, the same ordering the
	// source system's own entrypoint uses for secrets vs. structured config.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to orchestrator config file")
	prompt := flag.String("prompt", "What is the best strategy for reducing cloud infrastructure costs?", "prompt to run through the conversation")
	conversationID := flag.String("conversation-id", "demo-conversation", "conversation id to run")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()

	shutdownTracing, err := telemetry.Setup(baseCtx, telemetry.Config{
		Enabled:     cfg.OTel.Enabled,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		ServiceName: cfg.OTel.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	bus, err := messagebus.New(baseCtx, messagebus.Config{
		Addr:         cfg.MessageBus.RedisAddr,
		StreamMaxLen: cfg.MessageBus.StreamMaxLen,
	})
	if err != nil {
		return fmt.Errorf("connect message bus: %w", err)
	}
	defer bus.Close()

	pool, err := auditsink.NewPool(baseCtx, auditsink.Config{
		DSN:          cfg.AuditSink.DSN,
		PoolSize:     cfg.AuditSink.PoolSize,
		PoolOverflow: cfg.AuditSink.PoolOverflow,
	})
	if err != nil {
		return fmt.Errorf("connect audit sink: %w", err)
	}
	defer pool.Close()

	audit := auditsink.New(pool)
	if cfg.AuditSink.ExportBucket != "" {
		audit, err = audit.WithS3Archival(baseCtx, cfg.AuditSink.ExportBucket)
		if err != nil {
			return fmt.Errorf("configure s3 export archival: %w", err)
		}
	}
	if err := audit.InitSchema(baseCtx); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}

	var vector *vectorstore.Store
	if cfg.VectorStore.Enabled {
		vector, err = vectorstore.New(baseCtx, vectorstore.Config{
			DSN:        cfg.VectorStore.DSN,
			Collection: cfg.VectorStore.Collection,
			Dimensions: cfg.VectorStore.Dimensions,
		})
		if err != nil {
			return fmt.Errorf("connect vector store: %w", err)
		}
		defer vector.Close()
	}

	gateway, err := llmgateway.New(baseCtx, llmgateway.Config{
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		GoogleAPIKey:    cfg.LLM.GoogleAPIKey,
		DefaultModel:    cfg.LLM.GeminiModel,
		MaxTokens:       cfg.LLM.GeminiMaxTokens,
		EmbeddingHost:   cfg.LLM.EmbeddingHost,
		EmbeddingAPIKey: cfg.LLM.EmbeddingAPIKey,
		EmbeddingModel:  cfg.LLM.EmbeddingModel,
	})
	if err != nil {
		return fmt.Errorf("construct llm gateway: %w", err)
	}

	hub := broadcast.New()

	engine := consensus.New(
		consensus.Algorithm(cfg.Orchestrator.ConsensusAlgorithm),
		gateway,
		gateway,
		cfg.LLM.GeminiModel,
		cfg.LLM.GeminiMaxTokens,
	)

	retry := faultcore.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BaseDelay:       time.Duration(cfg.Retry.BaseDelay * float64(time.Second)),
		MaxDelay:        time.Duration(cfg.Retry.MaxDelay * float64(time.Second)),
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          0.1,
	}
	breakers := faultcore.NewRegistry(faultcore.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		TimeoutSeconds:   cfg.Breaker.TimeoutSeconds,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})

	orch := orchestrator.New(bus, audit, hub, engine, retry, breakers)
	if cfg.Orchestrator.HistoryWindow > 0 {
		orch.HistoryWindow = cfg.Orchestrator.HistoryWindow
	}
	orch.Vector = vector
	orch.Embedder = gateway

	for _, spec := range resolveAgentSpecs(cfg) {
		a := agent.New(spec.AgentID, spec.Model, spec.Temperature, cfg.LLM.GeminiMaxTokens, spec.Personality, gateway)
		orch.AddAgent(spec.AgentID, spec.Model, a)
	}

	ctx, cancel := context.WithTimeout(baseCtx, 5*time.Minute)
	defer cancel()

	result, err := orch.RunConversation(ctx, *prompt, *conversationID, cfg.Orchestrator.DefaultTurns)
	if err != nil {
		return fmt.Errorf("run conversation: %w", err)
	}

	log.Info().
		Str("conversation_id", result.ConversationID).
		Int("total_turns", result.TotalTurns).
		Int("total_messages", result.TotalMessages).
		Str("final_answer", result.FinalAnswer).
		Msg("conversation_completed")

	fmt.Fprintf(os.Stdout, "%s\n", result.FinalAnswer)
	return nil
}

// resolveAgentSpecs builds the fixed agent roster from
// orchestrator.agent_models_config, falling back to num_agents copies
// keyed agent_0, agent_1, ... (picking up agent.New's default
// personality-by-id table) when no explicit roster is configured.
func resolveAgentSpecs(cfg *config.Config) []config.AgentConfig {
	if len(cfg.Orchestrator.AgentModelsConfig) > 0 {
		return cfg.Orchestrator.AgentModelsConfig
	}
	specs := make([]config.AgentConfig, 0, cfg.Orchestrator.NumAgents)
	for i := 0; i < cfg.Orchestrator.NumAgents; i++ {
		specs = append(specs, config.AgentConfig{
			AgentID:     fmt.Sprintf("agent_%d", i),
			Model:       cfg.LLM.GeminiModel,
			Temperature: cfg.LLM.GeminiTemperature,
		})
	}
	return specs
}
