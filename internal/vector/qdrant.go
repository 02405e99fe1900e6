// Package vector provides the Qdrant-backed vector store for chunk
// embeddings. The live collection name is a Qdrant alias so that a reindex
// can retarget it atomically.
package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/nikira-studio/lifequery/internal/config"
	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/pkg/types"
)

const (
	defaultCollection = "lifequery_chunks"
	tempInfix         = "_tmp_"
	excerptLength     = 500
)

// QdrantStore persists chunk vectors keyed by chunk ID.
type QdrantStore struct {
	client *qdrant.Client
	config *config.QdrantConfig
	alias  string
	dim    uint64
	logger logging.Logger
}

// NewQdrantStore creates a new Qdrant vector store. The collection is created
// and sized by EnsureCollection (or CreateTemp) once the embedding dimension
// is known; Upsert does not create it.
func NewQdrantStore(cfg *config.QdrantConfig) *QdrantStore {
	alias := cfg.Collection
	if alias == "" {
		alias = defaultCollection
	}
	return &QdrantStore{
		config: cfg,
		alias:  alias,
		logger: logging.Default().WithComponent("vector"),
	}
}

// Initialize connects to Qdrant and removes any temp collection left behind
// by a crashed reindex.
func (qs *QdrantStore) Initialize(ctx context.Context) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   qs.config.Host,
		Port:                   qs.config.Port,
		APIKey:                 qs.config.APIKey,
		UseTLS:                 qs.config.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create Qdrant client: %w", err)
	}
	qs.client = client
	return qs.CleanupStaleTemp(ctx)
}

// Close releases the client connection.
func (qs *QdrantStore) Close() error {
	if qs.client != nil {
		return qs.client.Close()
	}
	return nil
}

// Alias returns the live collection name seen by readers.
func (qs *QdrantStore) Alias() string { return qs.alias }

// EnsureCollection guarantees a live collection of the given dimension exists
// behind the alias. An existing collection is left untouched; a dimension
// change requires a reindex.
func (qs *QdrantStore) EnsureCollection(ctx context.Context, dim int) error {
	qs.dim = uint64(dim)

	target, err := qs.aliasTarget(ctx)
	if err != nil {
		return err
	}
	if target != "" {
		return nil
	}

	name := qs.newCollectionName()
	if err := qs.createCollection(ctx, name); err != nil {
		return err
	}
	if err := qs.client.CreateAlias(ctx, qs.alias, name); err != nil {
		return fmt.Errorf("failed to create alias %s: %w", qs.alias, err)
	}
	qs.logger.Info("Created Qdrant collection", "collection", name, "alias", qs.alias)
	return nil
}

func (qs *QdrantStore) createCollection(ctx context.Context, name string) error {
	if qs.dim == 0 {
		return errors.New("vector dimension is not known yet")
	}
	err := qs.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     qs.dim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func (qs *QdrantStore) newCollectionName() string {
	return fmt.Sprintf("%s%s%s", qs.alias, tempInfix, uuid.New().String()[:8])
}

// aliasTarget resolves which collection currently backs the alias, or ""
// when the alias does not exist.
func (qs *QdrantStore) aliasTarget(ctx context.Context) (string, error) {
	aliases, err := qs.client.ListAliases(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list aliases: %w", err)
	}
	for _, a := range aliases {
		if a.GetAliasName() == qs.alias {
			return a.GetCollectionName(), nil
		}
	}
	return "", nil
}

// CleanupStaleTemp drops collections created for a reindex that never
// completed. The collection currently behind the alias is never touched.
func (qs *QdrantStore) CleanupStaleTemp(ctx context.Context) error {
	target, err := qs.aliasTarget(ctx)
	if err != nil {
		return err
	}
	collections, err := qs.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range collections {
		if name == target || !strings.HasPrefix(name, qs.alias+tempInfix) {
			continue
		}
		if err := qs.client.DeleteCollection(ctx, name); err != nil {
			return fmt.Errorf("failed to drop stale collection %s: %w", name, err)
		}
		qs.logger.Warn("Dropped stale temp collection", "collection", name)
	}
	return nil
}

// CreateTemp creates a fresh uniquely-named collection for a reindex and
// returns its name.
func (qs *QdrantStore) CreateTemp(ctx context.Context, dim int) (string, error) {
	qs.dim = uint64(dim)
	name := qs.newCollectionName()
	if err := qs.createCollection(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

// DropCollection removes a collection by real name. Used to discard a failed
// reindex.
func (qs *QdrantStore) DropCollection(ctx context.Context, name string) error {
	if err := qs.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", name, err)
	}
	return nil
}

// SwapFromTemp atomically retargets the alias from the current collection to
// temp, then drops the retired collection. Readers see the old collection or
// the new one, never an empty store.
func (qs *QdrantStore) SwapFromTemp(ctx context.Context, temp string) error {
	old, err := qs.aliasTarget(ctx)
	if err != nil {
		return err
	}

	actions := []*qdrant.AliasOperations{}
	if old != "" {
		actions = append(actions, &qdrant.AliasOperations{
			Action: &qdrant.AliasOperations_DeleteAlias{
				DeleteAlias: &qdrant.DeleteAlias{AliasName: qs.alias},
			},
		})
	}
	actions = append(actions, &qdrant.AliasOperations{
		Action: &qdrant.AliasOperations_CreateAlias{
			CreateAlias: &qdrant.CreateAlias{AliasName: qs.alias, CollectionName: temp},
		},
	})
	if err := qs.client.UpdateAliases(ctx, actions); err != nil {
		return fmt.Errorf("failed to swap alias %s to %s: %w", qs.alias, temp, err)
	}

	if old != "" && old != temp {
		if err := qs.client.DeleteCollection(ctx, old); err != nil {
			// The swap already succeeded; the orphan is removed on next start.
			qs.logger.Warn("Failed to drop retired collection", "collection", old, "error", err)
		}
	}
	qs.logger.Info("Swapped live collection", "alias", qs.alias, "collection", temp)
	return nil
}

// Upsert writes vector records into the named collection. Pass the alias for
// normal ingest or a temp collection name during reindex.
func (qs *QdrantStore) Upsert(ctx context.Context, collection string, records []*types.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("record %s has no embedding", r.ChunkID)
		}
		points = append(points, recordToPoint(r))
	}
	start := time.Now()
	_, err := qs.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d points: %w", len(points), err)
	}
	qs.logger.Debug("Upserted vectors",
		"collection", collection,
		"count", len(points),
		"took_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Delete removes vectors by chunk ID from the live collection.
func (qs *QdrantStore) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		ids = append(ids, stringToPointID(id))
	}
	_, err := qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qs.alias,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: ids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d points: %w", len(ids), err)
	}
	return nil
}

// Query performs a cosine nearest-neighbor search over the live collection,
// restricted to the given chat IDs. An empty includedChatIDs matches nothing
// and short-circuits to an empty result.
func (qs *QdrantStore) Query(ctx context.Context, embedding []float32, k int, includedChatIDs []int64) ([]*types.VectorRecord, error) {
	if len(embedding) == 0 {
		return nil, errors.New("query embedding cannot be empty")
	}
	if len(includedChatIDs) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{chatFilterCondition(includedChatIDs)},
	}

	start := time.Now()
	hits, err := qs.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: qs.alias,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query Qdrant: %w", err)
	}

	records := make([]*types.VectorRecord, 0, len(hits))
	for _, point := range hits {
		r, err := scoredPointToRecord(point)
		if err != nil {
			qs.logger.Error("Failed to convert point to record", "error", err, "point_id", point.GetId())
			continue
		}
		records = append(records, r)
	}
	qs.logger.Debug("Vector query completed",
		"results", len(records),
		"took_ms", time.Since(start).Milliseconds(),
	)
	return records, nil
}

// Count returns the number of vectors in the named collection.
func (qs *QdrantStore) Count(ctx context.Context, collection string) (uint64, error) {
	n, err := qs.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the connection.
func (qs *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := qs.client.ListCollections(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

func chatFilterCondition(chatIDs []int64) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: "chat_id",
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Integers{
						Integers: &qdrant.RepeatedIntegers{Integers: chatIDs},
					},
				},
			},
		},
	}
}

func recordToPoint(r *types.VectorRecord) *qdrant.PointStruct {
	excerpt := r.Text
	if len(excerpt) > excerptLength {
		excerpt = excerpt[:excerptLength]
	}
	participants := make([]interface{}, len(r.Participants))
	for i, p := range r.Participants {
		participants[i] = p
	}
	payload := qdrant.NewValueMap(map[string]any{
		"chat_id":      r.ChatID,
		"chat_name":    r.ChatName,
		"start_ts":     r.StartTS,
		"end_ts":       r.EndTS,
		"participants": participants,
		"excerpt":      excerpt,
		"text":         r.Text,
	})
	return &qdrant.PointStruct{
		Id:      stringToPointID(r.ChunkID),
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: r.Embedding}}},
		Payload: payload,
	}
}

func scoredPointToRecord(point *qdrant.ScoredPoint) (*types.VectorRecord, error) {
	payload := point.GetPayload()
	if payload == nil {
		return nil, errors.New("point has no payload")
	}
	r := &types.VectorRecord{
		ChunkID:  pointIDToString(point.GetId()),
		ChatID:   payload["chat_id"].GetIntegerValue(),
		ChatName: payload["chat_name"].GetStringValue(),
		StartTS:  payload["start_ts"].GetIntegerValue(),
		EndTS:    payload["end_ts"].GetIntegerValue(),
		Excerpt:  payload["excerpt"].GetStringValue(),
		Text:     payload["text"].GetStringValue(),
		Score:    float64(point.GetScore()),
	}
	if list := payload["participants"].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			if s := v.GetStringValue(); s != "" {
				r.Participants = append(r.Participants, s)
			}
		}
	}
	return r, nil
}

func stringToPointID(s string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: s}}
}

func pointIDToString(id *qdrant.PointId) string {
	return id.GetUuid()
}
