// Package vectorstore is the optional long-term conversation memory
// layer: a single Qdrant collection "conversation_memory" with cosine
// distance, generalizing the source system's QdrantStore (vector size
// from settings.qdrant_vector_size) and adapting
// internal/persistence/databases/qdrant_vector.go's client-construction
// and UUID-derivation idiom to this domain's upsert/search shape.
package vectorstore

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/manifold/orchestrator/internal/faultcore"
)

const collectionName = "conversation_memory"

// payloadIDField stores the caller-supplied id when it is not itself a
// valid UUID, since Qdrant only accepts UUIDs or positive integers as
// point ids.
const payloadIDField = "_original_id"

// ingestedAtField carries the unix-seconds write time so
// CleanupOldEmbeddings can filter by age without a side table.
const ingestedAtField = "_ingested_at_unix"

// Config mirrors the optional VectorStoreConfig surface: DSN, collection
// override, and embedding dimensionality.
type Config struct {
	DSN        string
	Collection string
	Dimensions int
}

// Store is a thin Qdrant client wrapper scoped to one collection.
type Store struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// New parses dsn ("qdrant://host:port?api_key=...") and ensures the
// collection exists with cosine distance and the configured vector size,
// matching the source's _ensure_collection_exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	collection := cfg.Collection
	if collection == "" {
		collection = collectionName
	}
	if cfg.Dimensions <= 0 {
		return nil, faultcore.Configuration("vectorstore requires dimensions > 0")
	}

	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return nil, faultcore.Configuration("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, faultcore.Configuration("invalid port in qdrant dsn: %w", err)
	}

	clientCfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		clientCfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		clientCfg.APIKey = apiKey
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, faultcore.Dependency("create qdrant client: %w", err)
	}

	s := &Store{client: client, collection: collection, dimension: cfg.Dimensions}
	if err := s.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return faultcore.Dependency("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return faultcore.Dependency("create collection: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func pointID(id string) (uuidStr string, usedFallback bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

// Upsert stores vector under id with payload carried through as metadata
// (the "summary" key is the conventional field callers use for the
// Hit.Summary value Search returns).
func (s *Store) Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) error {
	if len(vector) != s.dimension {
		return faultcore.Validation("vector has dimension %d, want %d", len(vector), s.dimension)
	}
	uuidStr, usedFallback := pointID(id)

	values := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		values[k] = v
	}
	if usedFallback {
		values[payloadIDField] = id
	}
	values[ingestedAtField] = time.Now().UTC().Unix()

	vec := make([]float32, len(vector))
	copy(vec, vector)

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(values),
		}},
	})
	if err != nil {
		return faultcore.Dependency("qdrant upsert %s: %w", id, err)
	}
	return nil
}

// Hit is one similarity search result, matching spec's
// {conversation_id, summary, score, metadata} shape.
type Hit struct {
	ConversationID string
	Summary        string
	Score          float64
	Metadata       map[string]string
}

// Search returns up to k points most similar to vector with score at
// least scoreThreshold, highest score first (Qdrant's Query already
// returns results sorted descending by score).
func (s *Store) Search(ctx context.Context, vector []float32, k int, scoreThreshold float64) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	limit := uint64(k)

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: float32p(float32(scoreThreshold)),
	})
	if err != nil {
		return nil, faultcore.Dependency("qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, hit := range results {
		uuidStr := hit.Id.GetUuid()
		if uuidStr == "" {
			uuidStr = hit.Id.String()
		}
		metadata := make(map[string]string)
		conversationID := uuidStr
		summary := ""
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				switch k {
				case payloadIDField:
					conversationID = v.GetStringValue()
				case "summary":
					summary = v.GetStringValue()
				case "conversation_id":
					if v.GetStringValue() != "" {
						conversationID = v.GetStringValue()
					}
				default:
					metadata[k] = v.GetStringValue()
				}
			}
		}
		hits = append(hits, Hit{
			ConversationID: conversationID,
			Summary:        summary,
			Score:          float64(hit.Score),
			Metadata:       metadata,
		})
	}
	return hits, nil
}

func float32p(f float32) *float32 { return &f }

// CleanupOldEmbeddings deletes points last upserted before maxAge ago,
// the Go counterpart to the source's QdrantStore.cleanup_old_embeddings
// (left as a NotImplementedError stub there). Returns the number of
// points found stale in the first scrolled page; a single page (up to
// 1000 points) is scanned per call, matching Cleanup's own
// "small aggregate maintenance op, not a background sweeper" scope.
func (s *Store) CleanupOldEmbeddings(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := float64(time.Now().UTC().Add(-maxAge).Unix())
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewRange(ingestedAtField, &qdrant.Range{Lt: &cutoff}),
		},
	}

	limit := uint32(1000)
	stale, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(false),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return 0, faultcore.Dependency("scroll old embeddings: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	}); err != nil {
		return 0, faultcore.Dependency("delete old embeddings: %w", err)
	}
	return len(stale), nil
}
