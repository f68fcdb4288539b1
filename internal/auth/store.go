// Package auth implements C8's AuthN/AuthZ half: bearer JWT verification,
// opaque API-key issuance and validation, and permission checks. Rate
// limiting lives alongside it in internal/ratelimit since the two share no
// state but are specified together as one component.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manifold/orchestrator/internal/models"
)

const keyPrefix = "pa_"

// Store persists APIKey records in Postgres, the same raw-SQL-over-pool
// idiom as the audit store: no ORM, positional placeholders, explicit
// schema migration via CREATE TABLE IF NOT EXISTS.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS api_keys (
  key_id TEXT PRIMARY KEY,
  key_hash TEXT UNIQUE NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  permissions TEXT[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_used TIMESTAMPTZ,
  is_active BOOLEAN NOT NULL DEFAULT true,
  usage_count BIGINT NOT NULL DEFAULT 0
);
`)
	return err
}

// HashKey returns the hex-encoded SHA-256 digest of a clear API key. Never
// store or log the clear key itself.
func HashKey(clearKey string) string {
	sum := sha256.Sum256([]byte(clearKey))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a new clear key of the form "pa_<32+ url-safe
// chars>". The caller is responsible for persisting its hash via
// CreateAPIKey and surfacing the clear value to the operator exactly once.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// LooksLikeAPIKey reports whether a presented credential has the expected
// "pa_" + >=32 char shape, without touching the database. Used to decide
// whether to try API-key validation or fall through to JWT parsing.
func LooksLikeAPIKey(credential string) bool {
	if len(credential) < len(keyPrefix)+32 {
		return false
	}
	return credential[:len(keyPrefix)] == keyPrefix
}

// CreateAPIKey persists a new key record (hash only) and returns it.
func (s *Store) CreateAPIKey(ctx context.Context, keyID, clearKey, name string, permissions []string) (*models.APIKey, error) {
	rec := &models.APIKey{
		KeyID:       keyID,
		KeyHash:     HashKey(clearKey),
		Name:        name,
		Permissions: permissions,
		CreatedAt:   time.Now().UTC(),
		IsActive:    true,
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO api_keys(key_id, key_hash, name, permissions, created_at, is_active)
VALUES ($1,$2,$3,$4,$5,$6)
`, rec.KeyID, rec.KeyHash, rec.Name, rec.Permissions, rec.CreatedAt, rec.IsActive)
	if err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	return rec, nil
}

// Validate looks up the presented clear key by its hash. A revoked or
// inactive key fails closed (returns ErrKeyInvalid) even if the hash
// matches. On success, usage_count is incremented and last_used stamped.
func (s *Store) Validate(ctx context.Context, clearKey string) (*models.APIKey, error) {
	hash := HashKey(clearKey)
	var rec models.APIKey
	err := s.pool.QueryRow(ctx, `
SELECT key_id, key_hash, name, permissions, created_at, last_used, is_active, usage_count
FROM api_keys WHERE key_hash=$1
`, hash).Scan(&rec.KeyID, &rec.KeyHash, &rec.Name, &rec.Permissions, &rec.CreatedAt, &rec.LastUsed, &rec.IsActive, &rec.UsageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("validate api key: %w", err)
	}
	if !rec.IsActive {
		return nil, ErrKeyInvalid
	}
	now := time.Now().UTC()
	_, _ = s.pool.Exec(ctx, `UPDATE api_keys SET last_used=$2, usage_count=usage_count+1 WHERE key_id=$1`, rec.KeyID, now)
	rec.LastUsed = &now
	rec.UsageCount++
	return &rec, nil
}

// Revoke soft-deletes a key (is_active=false); keys are never hard-deleted
// until audit retention permits, per the data model's lifecycle note.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active=false WHERE key_id=$1`, keyID)
	return err
}

var ErrKeyInvalid = errors.New("api key invalid, revoked, or unknown")
