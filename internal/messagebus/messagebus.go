// Package messagebus implements the conversation message stream on top of
// Redis Streams, generalizing the source system's RedisBus (per-conversation
// stream keyed "chat:<conversation_id>") into a typed, at-least-once Go bus.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/models"
	"github.com/manifold/orchestrator/internal/observability"
	"github.com/redis/go-redis/v9"
)

const streamPrefix = "chat:"

// Config mirrors the connection knobs the source system exposes via its
// settings object (redis_host/redis_port/redis_db/redis_stream_maxlen).
type Config struct {
	Addr        string
	DB          int
	Password    string
	StreamMaxLen int64
}

func DefaultConfig() Config {
	return Config{Addr: "localhost:6379", DB: 0, StreamMaxLen: 1000}
}

// Bus is a Redis Streams-backed MessageBus. One Bus serves every
// conversation; streams are partitioned by key, not by connection.
type Bus struct {
	client  *redis.Client
	maxLen  int64
}

// New dials Redis and verifies connectivity with a ping, matching the
// source's connect() which treats a failed ping as a hard construction
// failure rather than deferring discovery to the first call.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		Password:     cfg.Password,
		DialTimeout:  5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, faultcore.Dependency("redis connect: %w", err)
	}
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Bus{client: client, maxLen: maxLen}, nil
}

func (b *Bus) Close() error {
	return b.client.Close()
}

func streamKey(conversationID string) string {
	return streamPrefix + conversationID
}

func encode(m models.Message) (map[string]any, error) {
	metadata := "{}"
	if len(m.Metadata) > 0 {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(raw)
	}
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender":          m.Sender,
		"content":         m.Content,
		"turn":            strconv.Itoa(m.Turn),
		"timestamp":       m.Timestamp.Format(time.RFC3339Nano),
		"metadata":        metadata,
	}, nil
}

func decode(fields map[string]string) (models.Message, error) {
	turn, err := strconv.Atoi(fields["turn"])
	if err != nil {
		return models.Message{}, fmt.Errorf("parse turn: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"])
	if err != nil {
		return models.Message{}, fmt.Errorf("parse timestamp: %w", err)
	}
	var metadata map[string]string
	if raw := fields["metadata"]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return models.Message{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return models.Message{
		ID:             fields["id"],
		ConversationID: fields["conversation_id"],
		Sender:         fields["sender"],
		Content:        fields["content"],
		Turn:           turn,
		Timestamp:      ts,
		Metadata:       metadata,
	}, nil
}

// Append writes m to its conversation's stream and returns the
// server-assigned "ts-seq" id. The stream is capped to maxLen entries,
// approximately, dropping the oldest first.
func (b *Bus) Append(ctx context.Context, m models.Message) (string, error) {
	fields, err := encode(m)
	if err != nil {
		return "", faultcore.Validation("encode message: %w", err)
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(m.ConversationID),
		MaxLen: b.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", faultcore.Dependency("xadd %s: %w", m.ConversationID, err)
	}
	return id, nil
}

// History returns the most recent count entries for conv in chronological
// order.
func (b *Bus) History(ctx context.Context, conv string, count int) ([]models.Message, error) {
	entries, err := b.client.XRevRangeN(ctx, streamKey(conv), "+", "-", int64(count)).Result()
	if err != nil {
		return nil, faultcore.Dependency("xrevrange %s: %w", conv, err)
	}
	messages := make([]models.Message, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		msg, err := decodeEntry(entries[i])
		if err != nil {
			observability.LoggerForConversation(ctx, conv).Warn().Err(err).Msg("messagebus_decode_skip")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func decodeEntry(entry redis.XMessage) (models.Message, error) {
	fields := make(map[string]string, len(entry.Values))
	for k, v := range entry.Values {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprintf("%v", v)
		}
		fields[k] = s
	}
	return decode(fields)
}

// TailHandler receives one message per delivered stream entry. Under
// Subscribe, returning a non-nil error leaves that entry pending for
// redelivery; under Tail, it stops the tail and is returned to the caller.
type TailHandler func(ctx context.Context, m models.Message) error

// Tail blocks the calling goroutine, polling for entries after fromID and
// invoking fn for each, in order. It returns when ctx is cancelled, when fn
// returns any error (passed back unchanged), or when an XREAD call fails
// (a Dependency fault). Each poll blocks up to ~1s, matching
// the source's xread block=1000 loop; a fromID of "" starts from "$" (only
// entries appended after Tail begins).
func (b *Bus) Tail(ctx context.Context, conv string, fromID string, fn TailHandler) error {
	lastID := fromID
	if lastID == "" {
		lastID = "$"
	}
	key := streamKey(conv)
	for {
		select {
		case <-ctx.Done():
			return faultcore.Cancelled("tail %s: %w", conv, ctx.Err())
		default:
		}
		res, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return faultcore.Cancelled("tail %s: %w", conv, ctx.Err())
			}
			return faultcore.Dependency("xread %s: %w", conv, err)
		}
		for _, stream := range res {
			for _, entry := range stream.Messages {
				msg, decErr := decodeEntry(entry)
				if decErr != nil {
					observability.LoggerForConversation(ctx, conv).Warn().Err(decErr).Msg("messagebus_decode_skip")
					lastID = entry.ID
					continue
				}
				if err := fn(ctx, msg); err != nil {
					return err
				}
				lastID = entry.ID
			}
		}
	}
}

// Subscribe creates group (BUSYGROUP is not an error) if absent and runs a
// cooperative consumer-group reader until ctx is cancelled, delivering
// batches of at most 10 messages blocking up to 1s, invoking handler, and
// acknowledging only on success — a handler error leaves the message
// pending for redelivery, matching the source's _consume_messages loop.
func (b *Bus) Subscribe(ctx context.Context, conv, group, consumer string, handler TailHandler) error {
	key := streamKey(conv)
	if err := b.ensureGroup(ctx, key, group); err != nil {
		return err
	}
	log := observability.LoggerForConversation(ctx, conv)
	for {
		select {
		case <-ctx.Done():
			return faultcore.Cancelled("subscribe %s: %w", conv, ctx.Err())
		default:
		}
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{key, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return faultcore.Cancelled("subscribe %s: %w", conv, ctx.Err())
			}
			log.Warn().Err(err).Msg("messagebus_read_retry")
			if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
				return faultcore.Cancelled("subscribe %s: %w", conv, sleepErr)
			}
			continue
		}
		for _, stream := range res {
			for _, entry := range stream.Messages {
				msg, decErr := decodeEntry(entry)
				if decErr != nil {
					log.Warn().Err(decErr).Msg("messagebus_decode_skip")
					continue
				}
				if handlerErr := handler(ctx, msg); handlerErr != nil {
					log.Error().Str("message_id", entry.ID).Err(handlerErr).Msg("messagebus_handler_error")
					continue
				}
				if err := b.client.XAck(ctx, key, group, entry.ID).Err(); err != nil {
					log.Warn().Str("message_id", entry.ID).Err(err).Msg("messagebus_ack_failed")
				}
			}
		}
	}
}

func (b *Bus) ensureGroup(ctx context.Context, key, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return faultcore.Dependency("xgroup create %s/%s: %w", key, group, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ActiveConversations enumerates conversation ids whose stream currently
// has at least one entry.
func (b *Bus) ActiveConversations(ctx context.Context) ([]string, error) {
	keys, err := b.client.Keys(ctx, streamPrefix+"*").Result()
	if err != nil {
		return nil, faultcore.Dependency("keys %s*: %w", streamPrefix, err)
	}
	active := make([]string, 0, len(keys))
	for _, key := range keys {
		length, err := b.client.XLen(ctx, key).Result()
		if err != nil {
			continue
		}
		if length > 0 {
			active = append(active, strings.TrimPrefix(key, streamPrefix))
		}
	}
	return active, nil
}

// Cleanup deletes streams whose most recent entry is older than maxAge,
// returning the number of streams removed.
func (b *Bus) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := b.client.Keys(ctx, streamPrefix+"*").Result()
	if err != nil {
		return 0, faultcore.Dependency("keys %s*: %w", streamPrefix, err)
	}
	log := observability.LoggerWithTrace(ctx)
	cleaned := 0
	for _, key := range keys {
		entries, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil || len(entries) == 0 {
			continue
		}
		ts, err := streamEntryTimestamp(entries[0].ID)
		if err != nil {
			continue
		}
		if time.Since(ts) > maxAge {
			if err := b.client.Del(ctx, key).Err(); err != nil {
				log.Warn().Str("stream", key).Err(err).Msg("messagebus_cleanup_delete_failed")
				continue
			}
			cleaned++
			log.Info().Str("stream", key).Msg("messagebus_cleanup_deleted")
		}
	}
	return cleaned, nil
}

// streamEntryTimestamp extracts the millisecond timestamp half of a Redis
// stream entry id ("ms-seq").
func streamEntryTimestamp(id string) (time.Time, error) {
	parts := strings.SplitN(id, "-", 2)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stream id %q: %w", id, err)
	}
	return time.UnixMilli(ms), nil
}
