// Package auditsink is the durable tabular store of record: every Message
// and ConversationResult the orchestrator produces is written here before
// the conversation is considered safe, generalizing the source system's
// PostgresLogger (which only stubbed these queries) into a fully
// implemented raw-SQL store over pgx, following internal/auth/store.go's
// pool idiom.
package auditsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/models"
)

// Config mirrors the pool-sizing knobs the source system passed to its
// SQLAlchemy engine (pool_size=10, max_overflow=20).
type Config struct {
	DSN          string
	PoolSize     int32
	PoolOverflow int32
}

// NewPool constructs a pgxpool.Pool sized PoolSize+PoolOverflow max
// connections, pinging once before returning, mirroring the connection
// lifecycle of the messagebus and auth stores.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, faultcore.Configuration("parse postgres dsn: %w", err)
	}
	maxConns := cfg.PoolSize + cfg.PoolOverflow
	if maxConns <= 0 {
		maxConns = 30
	}
	poolCfg.MaxConns = maxConns
	if cfg.PoolSize > 0 {
		poolCfg.MinConns = cfg.PoolSize
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, faultcore.Dependency("open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, faultcore.Dependency("ping postgres: %w", err)
	}
	return pool, nil
}

// Sink is the Postgres-backed AuditSink. ExportBucket, when set, makes
// Export additionally archive its result to S3 (or an S3-compatible
// store) at "exports/<range>.json"; when empty, Export only returns the
// array in-process.
type Sink struct {
	pool         *pgxpool.Pool
	s3Client     *s3.Client
	exportBucket string
}

func New(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool}
}

// WithS3Archival enables archival uploads for Export when bucket is
// non-empty, constructing the S3 client from the default AWS credential
// chain the way internal/objectstore's S3Store does.
func (s *Sink) WithS3Archival(ctx context.Context, bucket string) (*Sink, error) {
	if bucket == "" {
		return s, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, faultcore.Configuration("load aws config for export archival: %w", err)
	}
	s.s3Client = s3.NewFromConfig(awsCfg)
	s.exportBucket = bucket
	return s, nil
}

func (s *Sink) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  sender TEXT NOT NULL,
  content TEXT NOT NULL,
  turn INT NOT NULL,
  timestamp TIMESTAMPTZ NOT NULL,
  metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp, turn);

CREATE TABLE IF NOT EXISTS conversation_results (
  conversation_id TEXT PRIMARY KEY,
  prompt TEXT NOT NULL,
  final_answer TEXT NOT NULL,
  total_turns INT NOT NULL,
  total_messages INT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  duration_seconds DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_results_created ON conversation_results(created_at DESC);
`)
	if err != nil {
		return faultcore.Dependency("init audit schema: %w", err)
	}
	return nil
}

// LogMessage persists m in its own transaction. A duplicate id is a
// Validation fault, not a silently-dropped write: spec.md's testable
// properties require AuditSink primary-key collisions to be rejected
// rather than swallowed (unlike MessageBus, which happily appends the
// same Message twice).
func (s *Sink) LogMessage(ctx context.Context, m models.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return faultcore.Dependency("begin log_message: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO messages(id, conversation_id, sender, content, turn, timestamp, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, m.ID, m.ConversationID, m.Sender, m.Content, m.Turn, m.Timestamp, metadataJSON(m.Metadata))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return faultcore.Validation("duplicate message id %s", m.ID)
		}
		return faultcore.Dependency("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return faultcore.Dependency("commit log_message: %w", err)
	}
	return nil
}

// LogResult persists r in its own transaction. Written exactly once per
// conversation, when consensus is reached.
func (s *Sink) LogResult(ctx context.Context, r models.ConversationResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return faultcore.Dependency("begin log_result: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO conversation_results(conversation_id, prompt, final_answer, total_turns, total_messages, created_at, duration_seconds)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (conversation_id) DO UPDATE SET
  final_answer=EXCLUDED.final_answer,
  total_turns=EXCLUDED.total_turns,
  total_messages=EXCLUDED.total_messages,
  duration_seconds=EXCLUDED.duration_seconds
`, r.ConversationID, r.Prompt, r.FinalAnswer, r.TotalTurns, r.TotalMessages, r.CreatedAt, r.DurationSeconds)
	if err != nil {
		return faultcore.Dependency("insert result: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return faultcore.Dependency("commit log_result: %w", err)
	}
	return nil
}

// MessagesFor returns a conversation's messages ordered by (timestamp,
// turn), paginated.
func (s *Sink) MessagesFor(ctx context.Context, conv string, limit, offset int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, conversation_id, sender, content, turn, timestamp, metadata
FROM messages WHERE conversation_id=$1
ORDER BY timestamp ASC, turn ASC
LIMIT $2 OFFSET $3
`, conv, limit, offset)
	if err != nil {
		return nil, faultcore.Dependency("messages_for: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var metadata map[string]string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &m.Turn, &m.Timestamp, &metadata); err != nil {
			return nil, faultcore.Dependency("scan message: %w", err)
		}
		m.Metadata = metadata
		out = append(out, m)
	}
	return out, rows.Err()
}

// ResultFor returns the terminal result for a conversation, or nil if the
// conversation has not yet completed.
func (s *Sink) ResultFor(ctx context.Context, conv string) (*models.ConversationResult, error) {
	var r models.ConversationResult
	err := s.pool.QueryRow(ctx, `
SELECT conversation_id, prompt, final_answer, total_turns, total_messages, created_at, duration_seconds
FROM conversation_results WHERE conversation_id=$1
`, conv).Scan(&r.ConversationID, &r.Prompt, &r.FinalAnswer, &r.TotalTurns, &r.TotalMessages, &r.CreatedAt, &r.DurationSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faultcore.Dependency("result_for: %w", err)
	}
	return &r, nil
}

// RecentResults returns the most recently created results, newest first.
func (s *Sink) RecentResults(ctx context.Context, limit, offset int) ([]models.ConversationResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT conversation_id, prompt, final_answer, total_turns, total_messages, created_at, duration_seconds
FROM conversation_results
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, faultcore.Dependency("recent_results: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationResult
	for rows.Next() {
		var r models.ConversationResult
		if err := rows.Scan(&r.ConversationID, &r.Prompt, &r.FinalAnswer, &r.TotalTurns, &r.TotalMessages, &r.CreatedAt, &r.DurationSeconds); err != nil {
			return nil, faultcore.Dependency("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Search performs a case-insensitive substring match over prompt and
// final_answer.
func (s *Sink) Search(ctx context.Context, term string, limit, offset int) ([]models.ConversationResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT conversation_id, prompt, final_answer, total_turns, total_messages, created_at, duration_seconds
FROM conversation_results
WHERE prompt ILIKE $1 OR final_answer ILIKE $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, "%"+term+"%", limit, offset)
	if err != nil {
		return nil, faultcore.Dependency("search: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationResult
	for rows.Next() {
		var r models.ConversationResult
		if err := rows.Scan(&r.ConversationID, &r.Prompt, &r.FinalAnswer, &r.TotalTurns, &r.TotalMessages, &r.CreatedAt, &r.DurationSeconds); err != nil {
			return nil, faultcore.Dependency("scan search result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats is the summary returned by Stats().
type Stats struct {
	TotalConversations int64
	TotalMessages      int64
	ConversationsLast24h int64
	MessagesLast24h      int64
}

func (s *Sink) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
SELECT
  (SELECT COUNT(*) FROM conversation_results),
  (SELECT COUNT(*) FROM messages),
  (SELECT COUNT(*) FROM conversation_results WHERE created_at > now() - interval '24 hours'),
  (SELECT COUNT(*) FROM messages WHERE timestamp > now() - interval '24 hours')
`).Scan(&st.TotalConversations, &st.TotalMessages, &st.ConversationsLast24h, &st.MessagesLast24h)
	if err != nil {
		return Stats{}, faultcore.Dependency("stats: %w", err)
	}
	return st, nil
}

// AgentStats returns per-agent message counts restricted to senders
// matching "agent_%".
func (s *Sink) AgentStats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
SELECT sender, COUNT(*) FROM messages
WHERE sender LIKE 'agent\_%' ESCAPE '\'
GROUP BY sender
`)
	if err != nil {
		return nil, faultcore.Dependency("agent_stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var sender string
		var count int64
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, faultcore.Dependency("scan agent_stats: %w", err)
		}
		out[sender] = count
	}
	return out, rows.Err()
}

// Cleanup deletes results older than now-days and their messages,
// messages first to preserve referential safety.
func (s *Sink) Cleanup(ctx context.Context, days int) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, faultcore.Dependency("begin cleanup: %w", err)
	}
	defer tx.Rollback(ctx)

	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	_, err = tx.Exec(ctx, `
DELETE FROM messages WHERE conversation_id IN (
  SELECT conversation_id FROM conversation_results WHERE created_at < $1
)
`, cutoff)
	if err != nil {
		return 0, faultcore.Dependency("cleanup delete messages: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM conversation_results WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, faultcore.Dependency("cleanup delete results: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, faultcore.Dependency("commit cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExportRecord is one conversation plus its ordered messages, the shape
// Export produces.
type ExportRecord struct {
	Result   models.ConversationResult
	Messages []models.Message
}

// Export returns full conversation + ordered message records for results
// created within [from, to]. When the Sink was built with WithS3Archival,
// the same array is also uploaded as a JSON object before returning.
func (s *Sink) Export(ctx context.Context, from, to time.Time) ([]ExportRecord, error) {
	results, err := s.resultsInRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]ExportRecord, 0, len(results))
	for _, r := range results {
		msgs, err := s.MessagesFor(ctx, r.ConversationID, 100000, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, ExportRecord{Result: r, Messages: msgs})
	}

	if s.s3Client != nil {
		if err := s.archiveExport(ctx, from, to, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Sink) archiveExport(ctx context.Context, from, to time.Time, records []ExportRecord) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	key := fmt.Sprintf("exports/%s_%s.json", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.exportBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return faultcore.Dependency("archive export to s3: %w", err)
	}
	return nil
}

func (s *Sink) resultsInRange(ctx context.Context, from, to time.Time) ([]models.ConversationResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT conversation_id, prompt, final_answer, total_turns, total_messages, created_at, duration_seconds
FROM conversation_results
WHERE created_at BETWEEN $1 AND $2
ORDER BY created_at ASC
`, from, to)
	if err != nil {
		return nil, faultcore.Dependency("export range query: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationResult
	for rows.Next() {
		var r models.ConversationResult
		if err := rows.Scan(&r.ConversationID, &r.Prompt, &r.FinalAnswer, &r.TotalTurns, &r.TotalMessages, &r.CreatedAt, &r.DurationSeconds); err != nil {
			return nil, faultcore.Dependency("scan export row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func metadataJSON(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
