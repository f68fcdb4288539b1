// Package broadcast fans conversation events out to live subscribers,
// generalizing the source system's WebSocketConnectionManager
// (websocket.py) away from FastAPI's WebSocket type: subscribers here are
// an abstract Send sink so this package stays ignorant of the transport a
// future HTTP/WebSocket gateway would use.
package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/manifold/orchestrator/internal/models"
)

// Subscriber is anything that can receive a serialized Event. A
// WebSocket connection, an SSE writer, or a test double all satisfy it.
type Subscriber interface {
	Send(data []byte) error
}

// Event is the wire envelope described by spec.md §6: a JSON object with
// a required "type" field and event-specific fields merged in alongside
// it (not nested under a "payload" key).
type Event struct {
	Type string
	Data map[string]any
}

// MarshalJSON flattens Type and Data into a single JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	merged := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		merged[k] = v
	}
	merged["type"] = e.Type
	return json.Marshal(merged)
}

func messageFields(m models.Message) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"sender":    m.Sender,
		"content":   m.Content,
		"turn":      m.Turn,
		"timestamp": m.Timestamp,
	}
}

func ConversationStarted(conversationID, prompt string, totalTurns int) Event {
	return Event{Type: "conversation_started", Data: map[string]any{
		"conversation_id": conversationID,
		"prompt":          prompt,
		"total_turns":     totalTurns,
	}}
}

func MessageEvent(m models.Message) Event {
	return Event{Type: "message", Data: map[string]any{"message": messageFields(m)}}
}

func TurnStarted(turn, agentCount int) Event {
	return Event{Type: "turn_started", Data: map[string]any{"turn": turn, "agent_count": agentCount}}
}

func AgentThinking(agentID string, turn int) Event {
	return Event{Type: "agent_thinking", Data: map[string]any{"agent_id": agentID, "turn": turn}}
}

func AgentResponse(m models.Message) Event {
	return Event{Type: "agent_response", Data: map[string]any{"message": messageFields(m)}}
}

func AgentError(agentID, errMsg string, turn int) Event {
	return Event{Type: "agent_error", Data: map[string]any{"agent_id": agentID, "error": errMsg, "turn": turn}}
}

func TurnCompleted(turn, responsesReceived int) Event {
	return Event{Type: "turn_completed", Data: map[string]any{"turn": turn, "responses_received": responsesReceived}}
}

func ConsensusStarted(message string) Event {
	return Event{Type: "consensus_started", Data: map[string]any{"message": message}}
}

func ConsensusReached(outcome models.ConsensusOutcome) Event {
	return Event{Type: "consensus_reached", Data: map[string]any{"consensus": map[string]any{
		"final_answer":  outcome.FinalAnswer,
		"winning_votes": outcome.WinningVotes,
		"total_votes":   outcome.TotalVotes,
		"method":        outcome.Method,
	}}}
}

func ConversationCompleted(conversationID string, totalMessages int, finalAnswer string) Event {
	return Event{Type: "conversation_completed", Data: map[string]any{
		"conversation_id": conversationID,
		"total_messages":  totalMessages,
		"final_answer":    finalAnswer,
	}}
}

func ErrorEvent(message, conversationID string) Event {
	data := map[string]any{"message": message}
	if conversationID != "" {
		data["conversation_id"] = conversationID
	}
	return Event{Type: "error", Data: data}
}

// Hub holds one subscriber set per conversation, matching
// WebSocketConnectionManager.active_connections's Dict[str, Set[...]]
// shape, guarded by a single mutex rather than per-conversation locks:
// the teacher's own manager uses one dict-wide lock implicitly (Python's
// GIL), and this package's Publish is never on a conversation's hot path
// at a scale where that would contend.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[Subscriber]struct{}
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{subscribers: make(map[string]map[Subscriber]struct{})}
}

// Attach registers sub to receive future Publish calls for conversationID.
func (h *Hub) Attach(conversationID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[conversationID]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.subscribers[conversationID] = set
	}
	set[sub] = struct{}{}
	log.Debug().Str("conversation_id", conversationID).Msg("broadcast_subscriber_attached")
}

// Detach removes sub from conversationID's subscriber set, pruning the
// set entirely once it is empty.
func (h *Hub) Detach(conversationID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(conversationID, sub)
}

func (h *Hub) detachLocked(conversationID string, sub Subscriber) {
	set, ok := h.subscribers[conversationID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subscribers, conversationID)
	}
}

// Publish serializes event once and writes it to every subscriber
// attached to conversationID. A subscriber whose Send fails is detached
// after the fan-out completes; Publish itself never fails — per
// spec.md §4.9/§7, BroadcastHub failures are swallowed per-subscriber and
// never abort the conversation.
func (h *Hub) Publish(conversationID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("broadcast_marshal_failed")
		return
	}

	h.mu.Lock()
	set := h.subscribers[conversationID]
	subs := make([]Subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	var failed []Subscriber
	for _, sub := range subs {
		if err := sub.Send(payload); err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("broadcast_send_failed")
			failed = append(failed, sub)
		}
	}

	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	for _, sub := range failed {
		h.detachLocked(conversationID, sub)
	}
	h.mu.Unlock()
}

// ConnectionCount returns the number of subscribers currently attached to
// conversationID.
func (h *Hub) ConnectionCount(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[conversationID])
}

// TotalConnections returns the subscriber count across all conversations.
func (h *Hub) TotalConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, set := range h.subscribers {
		total += len(set)
	}
	return total
}
