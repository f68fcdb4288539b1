// Package consensus implements ConsensusEngine: a single configured
// algorithm (Majority, SemanticCluster, or Synthesis) that turns a turn's
// set of agent messages into one ConsensusOutcome, generalizing
// consensus.py's ConsensusEngine (which only ever offered majority_vote and
// semantic) with a third, LLM-driven Synthesis algorithm.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/models"
)

// Algorithm names a configured consensus strategy. These match
// orchestrator.consensus_algorithm's accepted values.
type Algorithm string

const (
	AlgorithmMajority  Algorithm = "majority_vote"
	AlgorithmSemantic  Algorithm = "semantic"
	AlgorithmSynthesis Algorithm = "synthesis"
)

// synthesisConfidence is consensus.py's informal 0.9 stand-in made
// explicit: Synthesis reports a fixed confidence rather than deriving one
// from summary agreement, per the Open Question resolution recorded in
// SPEC_FULL.md.
const synthesisConfidence = 0.9

const (
	summarizeInstruction = "Summarize the following agent response in one or two sentences, preserving its core claim or recommendation:"
	fuseInstruction      = "The following are independent summaries of agents' responses to the prompt below. Synthesize them into a single, coherent final answer that best represents the group's consensus view."
)

// Embedder converts text to a vector embedding. SemanticCluster is the
// only algorithm that needs one; Majority and Synthesis leave it nil.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer is the subset of llmgateway.Gateway / agent.Completer that
// Synthesis needs to run its Summarizer and Fuser calls.
type Completer interface {
	Complete(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (string, error)
}

// Engine reaches consensus using a single configured Algorithm.
type Engine struct {
	Algorithm Algorithm

	Embedder  Embedder
	Completer Completer

	// SynthesisModel/SynthesisMaxTokens parameterize the Summarizer and
	// Fuser calls Synthesis makes through Completer.
	SynthesisModel     string
	SynthesisMaxTokens int
}

// New returns an Engine for algorithm; completer/embedder may be nil when
// the chosen algorithm does not need them (Reach reports a Configuration
// fault if a required capability is missing).
func New(algorithm Algorithm, embedder Embedder, completer Completer, synthesisModel string, synthesisMaxTokens int) *Engine {
	return &Engine{
		Algorithm:          algorithm,
		Embedder:           embedder,
		Completer:          completer,
		SynthesisModel:     synthesisModel,
		SynthesisMaxTokens: synthesisMaxTokens,
	}
}

// Reach applies the Engine's configured algorithm to messages. A
// single-message input always short-circuits to method single_response
// regardless of algorithm, per spec.
func (e *Engine) Reach(ctx context.Context, messages []models.Message) (models.ConsensusOutcome, error) {
	if len(messages) == 0 {
		return models.ConsensusOutcome{}, faultcore.Validation("cannot reach consensus on empty message list")
	}
	if len(messages) == 1 {
		return models.ConsensusOutcome{
			FinalAnswer:  messages[0].Content,
			WinningVotes: 1,
			TotalVotes:   1,
			Method:       models.MethodSingleResponse,
		}, nil
	}

	switch e.Algorithm {
	case AlgorithmMajority:
		return reachMajority(messages), nil
	case AlgorithmSemantic:
		return e.reachSemantic(ctx, messages)
	case AlgorithmSynthesis:
		return e.reachSynthesis(ctx, messages)
	default:
		return models.ConsensusOutcome{}, faultcore.Configuration("unknown consensus algorithm: %q", e.Algorithm)
	}
}

// ballot extracts the first non-empty trimmed line of content, the unit
// Majority votes on.
func ballot(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return strings.TrimSpace(content)
}

func reachMajority(messages []models.Message) models.ConsensusOutcome {
	ballots := make([]string, len(messages))
	counts := make(map[string]int, len(messages))
	firstIndex := make(map[string]int, len(messages))
	for i, m := range messages {
		b := ballot(m.Content)
		ballots[i] = b
		counts[b]++
		if _, seen := firstIndex[b]; !seen {
			firstIndex[b] = i
		}
	}

	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}

	var tied []string
	for b, c := range counts {
		if c == max {
			tied = append(tied, b)
		}
	}

	var winner models.Message
	if len(tied) == 1 {
		winner = messages[firstIndex[tied[0]]]
	} else {
		tiedSet := make(map[string]struct{}, len(tied))
		for _, b := range tied {
			tiedSet[b] = struct{}{}
		}
		var candidates []models.Message
		for i, m := range messages {
			if _, ok := tiedSet[ballots[i]]; ok {
				candidates = append(candidates, m)
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			li, lj := len(candidates[i].Content), len(candidates[j].Content)
			if li != lj {
				return li > lj
			}
			return candidates[i].Content < candidates[j].Content
		})
		winner = candidates[0]
	}

	return models.ConsensusOutcome{
		FinalAnswer:  winner.Content,
		WinningVotes: max,
		TotalVotes:   len(messages),
		Method:       models.MethodMajorityVote,
	}
}

func (e *Engine) reachSemantic(ctx context.Context, messages []models.Message) (models.ConsensusOutcome, error) {
	if e.Embedder == nil {
		return models.ConsensusOutcome{}, faultcore.Configuration("semantic consensus configured without an embedder")
	}

	// n < 4 degrades to Majority: k would clamp to 2 clusters over at
	// most 3 messages, which is just a coin-flip between near-singleton
	// clusters and gives no real clustering signal.
	if len(messages) < 4 {
		return reachMajority(messages), nil
	}

	embeddings := make([][]float32, len(messages))
	for i, m := range messages {
		vec, err := e.Embedder.Embed(ctx, m.Content)
		if err != nil {
			return models.ConsensusOutcome{}, fmt.Errorf("embed message %d: %w", i, err)
		}
		embeddings[i] = vec
	}

	k := len(messages) / 2
	if k < 2 {
		k = 2
	}
	if max := 5; k > max {
		k = max
	}
	if k > len(messages) {
		k = len(messages)
	}

	labels, centroids := kMeans(embeddings, k, 42)

	counts := make([]int, len(centroids))
	for _, l := range labels {
		counts[l]++
	}
	largest, largestCount := 0, -1
	for label, c := range counts {
		if c > largestCount {
			largest, largestCount = label, c
		}
	}

	bestIdx, bestDist := -1, 0.0
	for i, l := range labels {
		if l != largest {
			continue
		}
		d := squaredDistance(embeddings[i], centroids[largest])
		if bestIdx == -1 || d < bestDist {
			bestIdx, bestDist = i, d
		}
	}

	return models.ConsensusOutcome{
		FinalAnswer:  messages[bestIdx].Content,
		WinningVotes: largestCount,
		TotalVotes:   len(messages),
		Method:       models.MethodSemanticCluster,
	}, nil
}

func (e *Engine) reachSynthesis(ctx context.Context, messages []models.Message) (models.ConsensusOutcome, error) {
	if e.Completer == nil {
		return models.ConsensusOutcome{}, faultcore.Configuration("synthesis consensus configured without a completer")
	}

	var userPrompt string
	var agentMessages []models.Message
	for _, m := range messages {
		if m.Turn == 0 && userPrompt == "" && !strings.HasPrefix(m.Sender, "agent_") {
			userPrompt = m.Content
			continue
		}
		if strings.HasPrefix(m.Sender, "agent_") {
			agentMessages = append(agentMessages, m)
		}
	}
	if len(agentMessages) == 0 {
		agentMessages = messages
	}

	summaries := make([]string, len(agentMessages))
	for i, m := range agentMessages {
		prompt := summarizeInstruction + "\n\n" + m.Content
		summary, err := e.Completer.Complete(ctx, e.SynthesisModel, prompt, 0.3, e.SynthesisMaxTokens)
		if err != nil {
			return models.ConsensusOutcome{}, fmt.Errorf("summarize agent message %d: %w", i, err)
		}
		summaries[i] = strings.TrimSpace(summary)
	}

	var sb strings.Builder
	sb.WriteString(fuseInstruction)
	sb.WriteString("\n\nPrompt: ")
	sb.WriteString(userPrompt)
	sb.WriteString("\n\nSummaries:\n")
	for i, s := range summaries {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s)
	}

	final, err := e.Completer.Complete(ctx, e.SynthesisModel, sb.String(), 0.3, e.SynthesisMaxTokens)
	if err != nil {
		return models.ConsensusOutcome{}, fmt.Errorf("fuse summaries: %w", err)
	}

	confidence := synthesisConfidence
	return models.ConsensusOutcome{
		FinalAnswer:  strings.TrimSpace(final),
		WinningVotes: len(agentMessages),
		TotalVotes:   len(messages),
		Method:       models.MethodSynthesis,
		Confidence:   &confidence,
	}, nil
}
