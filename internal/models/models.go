// Package models holds the plain data types shared across the orchestrator:
// messages on the conversation stream, the terminal record written to the
// audit store, and the in-memory outcome of a consensus run.
package models

import "time"

// Message is immutable once written. Sender is "user", "agent_<k>", or
// "consensus". Turn 0 belongs to the user, 1..N to agents, N+1 to the
// consensus message.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Sender         string            `json:"sender"`
	Content        string            `json:"content"`
	Turn           int               `json:"turn"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ConversationResult is written exactly once, when a conversation reaches
// its consensus message.
type ConversationResult struct {
	ConversationID  string    `json:"conversation_id"`
	Prompt          string    `json:"prompt"`
	FinalAnswer     string    `json:"final_answer"`
	TotalTurns      int       `json:"total_turns"`
	TotalMessages   int       `json:"total_messages"`
	CreatedAt       time.Time `json:"created_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// ConsensusMethod names the algorithm that produced a ConsensusOutcome.
type ConsensusMethod string

const (
	MethodSingleResponse ConsensusMethod = "single_response"
	MethodMajorityVote   ConsensusMethod = "majority_vote_with_tiebreak"
	MethodSemanticCluster ConsensusMethod = "semantic_clustering"
	MethodSynthesis      ConsensusMethod = "synthesis"
)

// ConsensusOutcome is the in-memory value ConsensusEngine.Reach returns; it
// is never persisted as-is, only its FinalAnswer and bookkeeping flow into
// the consensus Message and ConversationResult.
type ConsensusOutcome struct {
	FinalAnswer  string          `json:"final_answer"`
	WinningVotes int             `json:"winning_votes"`
	TotalVotes   int             `json:"total_votes"`
	Method       ConsensusMethod `json:"method"`
	Confidence   *float64        `json:"confidence,omitempty"`
}

// APIKey is the durable record of an issued opaque credential. The clear
// key is returned once at creation time and never stored; KeyHash is the
// SHA-256 of it.
type APIKey struct {
	KeyID       string     `json:"key_id"`
	KeyHash     string     `json:"key_hash"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	IsActive    bool       `json:"is_active"`
	UsageCount  int64      `json:"usage_count"`
}

// RateLimitBucket tracks request accounting for a single (client_id,
// client_ip) identity.
type RateLimitBucket struct {
	RequestsInWindow int
	WindowStart      time.Time
	BurstTokens      int
	BlockedUntil     *time.Time
}

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerSnapshot is a point-in-time, read-only view of a breaker's
// counters, useful for health reporting and tests.
type CircuitBreakerSnapshot struct {
	Name           string
	State          BreakerState
	FailureCount   int
	SuccessCount   int
	LastFailureAt  time.Time
	StateChangedAt time.Time
}
