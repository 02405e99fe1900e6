// Package ingest drives one logical ingest operation end-to-end:
// fetch, persist, chunk, embed, mark embedded. Reindex is a specialization
// that rebuilds the vector collection; in the durable store it leaves message
// and chunk rows as they are and only sets the embedded flags after the swap.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nikira-studio/lifequery/internal/chunker"
	"github.com/nikira-studio/lifequery/internal/embeddings"
	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/internal/source"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/pkg/types"
)

// VectorStore is the slice of the vector adapter the pipeline drives.
type VectorStore interface {
	Alias() string
	EnsureCollection(ctx context.Context, dim int) error
	Upsert(ctx context.Context, collection string, records []*types.VectorRecord) error
	Delete(ctx context.Context, chunkIDs []string) error
	CreateTemp(ctx context.Context, dim int) (string, error)
	DropCollection(ctx context.Context, name string) error
	SwapFromTemp(ctx context.Context, temp string) error
}

// Pipeline wires the durable store, the vector store and the embedder into
// the staged ingest flow.
type Pipeline struct {
	store    *store.Store
	vectors  VectorStore
	embedder embeddings.Client
	logger   logging.Logger
}

// New creates an ingest pipeline.
func New(st *store.Store, vectors VectorStore, embedder embeddings.Client) *Pipeline {
	return &Pipeline{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		logger:   logging.Default().WithComponent("ingest"),
	}
}

func emit(ctx context.Context, progress chan<- types.Progress, stage, msg string) {
	if progress == nil {
		return
	}
	select {
	case progress <- types.Progress{Stage: stage, Message: msg}:
	case <-ctx.Done():
	}
}

// Run executes fetch → persist → chunk → embed → mark over the given source.
// Committed work survives cancellation; the caller observes ctx.Err() and
// the counts accumulated so far.
func (p *Pipeline) Run(ctx context.Context, src source.Source, settings *store.Settings, progress chan<- types.Progress) (types.Counts, error) {
	counts := types.Counts{}

	chats, err := src.Chats(ctx)
	if err != nil {
		return counts, fmt.Errorf("failed to list source chats: %w", err)
	}
	for i := range chats {
		if err := p.store.UpsertChat(ctx, &chats[i]); err != nil {
			return counts, fmt.Errorf("failed to upsert chat %d: %w", chats[i].ID, err)
		}
	}

	emit(ctx, progress, "fetch", "fetching messages")
	batchSize := settings.FetchBatchSize
	delay := time.Duration(settings.FetchBatchDelayMS) * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		batch, err := src.Next(ctx, batchSize)
		if err != nil {
			return counts, fmt.Errorf("failed to fetch batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		counts.MessagesFetched += len(batch)

		inserted, duplicate, err := p.store.InsertMessages(ctx, batch)
		if err != nil {
			return counts, fmt.Errorf("failed to persist batch: %w", err)
		}
		counts.MessagesAdded += inserted
		counts.MessagesDuplicate += duplicate
		emit(ctx, progress, "persist",
			fmt.Sprintf("persisted %d messages (%d new)", counts.MessagesFetched, counts.MessagesAdded))

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return counts, ctx.Err()
			}
		}
	}

	if err := p.Process(ctx, settings, progress, &counts); err != nil {
		return counts, err
	}
	return counts, nil
}

// Process chunks and embeds whatever is pending in the durable store. It is
// also exposed as its own operation for already-persisted messages.
func (p *Pipeline) Process(ctx context.Context, settings *store.Settings, progress chan<- types.Progress, counts *types.Counts) error {
	if err := p.chunkStage(ctx, settings, progress, counts); err != nil {
		return err
	}
	return p.embedStage(ctx, settings, progress, counts)
}

// chunkStage chunks chats that received new messages. For each dirty chat it
// re-chunks from the start of the chat's last chunk window so the gap rules
// see the full tail; a tail chunk that grew is replaced, never updated.
func (p *Pipeline) chunkStage(ctx context.Context, settings *store.Settings, progress chan<- types.Progress, counts *types.Counts) error {
	dirty, err := p.store.ChatsWithPendingMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to find pending chats: %w", err)
	}
	if len(dirty) == 0 {
		return nil
	}
	emit(ctx, progress, "chunk", fmt.Sprintf("chunking %d chats", len(dirty)))

	chats, err := p.store.ListChats(ctx)
	if err != nil {
		return err
	}
	titles := make(map[int64]string, len(chats))
	for _, c := range chats {
		titles[c.ID] = c.Title
	}

	for chatID := range dirty {
		if err := ctx.Err(); err != nil {
			return err
		}

		last, err := p.store.LastChunk(ctx, chatID)
		if err != nil {
			return err
		}
		since := int64(-1)
		if last != nil {
			since = last.Metadata.StartTS - 1
		}
		msgs, err := p.store.ListMessages(ctx, chatID, since)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			continue
		}

		result := chunker.Split(msgs, chunker.Options{
			TargetTokens:  settings.ChunkTargetTokens,
			MaxTokens:     settings.ChunkMaxTokens,
			OverlapTokens: settings.ChunkOverlapTokens,
			NoiseKeywords: settings.NoiseKeywords,
			ChatName:      titles[chatID],
		})
		counts.MessagesDropped += result.NoiseDropped

		// When the tail chunk grew past its old seal, the new first chunk
		// carries a different hash and supersedes the stored one.
		if last != nil && len(result.Chunks) > 0 && result.Chunks[0].ContentHash != last.ContentHash &&
			result.Chunks[0].Metadata.StartTS == last.Metadata.StartTS {
			if err := p.store.DeleteChunks(ctx, []string{last.ID}); err != nil {
				return err
			}
			if last.Embedded {
				if err := p.vectors.Delete(ctx, []string{last.ID}); err != nil {
					p.logger.Warn("Failed to evict superseded chunk vector", "chunk", last.ID, "error", err)
				}
			}
		}

		inserted, err := p.store.InsertChunks(ctx, result.Chunks)
		if err != nil {
			return fmt.Errorf("failed to insert chunks for chat %d: %w", chatID, err)
		}
		counts.ChunksCreated += inserted
	}
	emit(ctx, progress, "chunk", fmt.Sprintf("created %d chunks", counts.ChunksCreated))
	return nil
}

// embedStage embeds pending chunks in batches, upserting vectors and marking
// chunks embedded per batch so a failed run resumes where it stopped.
func (p *Pipeline) embedStage(ctx context.Context, settings *store.Settings, progress chan<- types.Progress, counts *types.Counts) error {
	p.embedder.Reset(settings.EmbeddingBaseURL, settings.EmbeddingModel, settings.EmbeddingAPIKey)
	batchSize := settings.EmbedBatchSize
	if batchSize <= 0 || batchSize > 64 {
		batchSize = 64
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := p.store.ListPendingChunks(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("failed to list pending chunks: %w", err)
		}
		if len(pending) == 0 {
			break
		}
		emit(ctx, progress, "embed", fmt.Sprintf("embedding %d chunks", len(pending)))

		records, err := p.embedBatch(ctx, pending)
		if err != nil {
			return err
		}
		if err := p.vectors.EnsureCollection(ctx, p.embedder.Dimension()); err != nil {
			return err
		}
		if err := p.vectors.Upsert(ctx, p.vectors.Alias(), records); err != nil {
			return fmt.Errorf("failed to upsert vectors: %w", err)
		}

		ids := make([]string, len(pending))
		for i := range pending {
			ids[i] = pending[i].ID
		}
		if err := p.store.MarkEmbedded(ctx, ids); err != nil {
			return fmt.Errorf("failed to mark chunks embedded: %w", err)
		}
		counts.ChunksEmbedded += len(ids)
	}
	if counts.ChunksEmbedded > 0 {
		emit(ctx, progress, "mark", fmt.Sprintf("embedded %d chunks", counts.ChunksEmbedded))
	}
	return nil
}

func (p *Pipeline) embedBatch(ctx context.Context, chunks []types.Chunk) ([]*types.VectorRecord, error) {
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	records := make([]*types.VectorRecord, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		records[i] = &types.VectorRecord{
			ChunkID:      c.ID,
			Embedding:    vectors[i],
			ChatID:       c.ChatID,
			ChatName:     c.Metadata.ChatName,
			StartTS:      c.Metadata.StartTS,
			EndTS:        c.Metadata.EndTS,
			Participants: c.Metadata.Participants,
			Text:         c.Text,
		}
	}
	return records, nil
}

// Reindex re-embeds every chunk into a fresh temp collection and atomically
// promotes it. The durable store's rows are untouched; only the embedded
// flags are refreshed so the vector/flag invariant holds afterwards.
func (p *Pipeline) Reindex(ctx context.Context, settings *store.Settings, progress chan<- types.Progress) (types.Counts, error) {
	counts := types.Counts{}
	p.embedder.Reset(settings.EmbeddingBaseURL, settings.EmbeddingModel, settings.EmbeddingAPIKey)

	chunks, err := p.store.ListChunks(ctx)
	if err != nil {
		return counts, fmt.Errorf("failed to list chunks: %w", err)
	}
	if len(chunks) == 0 {
		emit(ctx, progress, "embed", "nothing to reindex")
		return counts, nil
	}

	batchSize := settings.EmbedBatchSize
	if batchSize <= 0 || batchSize > 64 {
		batchSize = 64
	}

	// The temp collection needs the dimension up front; probe it with the
	// first batch before creating anything.
	first := chunks[:min(batchSize, len(chunks))]
	firstRecords, err := p.embedBatch(ctx, first)
	if err != nil {
		return counts, err
	}

	temp, err := p.vectors.CreateTemp(ctx, p.embedder.Dimension())
	if err != nil {
		return counts, fmt.Errorf("failed to create temp collection: %w", err)
	}
	cleanup := func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.vectors.DropCollection(dropCtx, temp); err != nil {
			p.logger.Warn("Failed to drop temp collection", "collection", temp, "error", err)
		}
	}

	if err := p.vectors.Upsert(ctx, temp, firstRecords); err != nil {
		cleanup()
		return counts, err
	}
	counts.ChunksEmbedded += len(firstRecords)
	emit(ctx, progress, "embed", fmt.Sprintf("embedded %d/%d chunks", counts.ChunksEmbedded, len(chunks)))

	for start := len(first); start < len(chunks); start += batchSize {
		if err := ctx.Err(); err != nil {
			cleanup()
			return counts, err
		}
		end := min(start+batchSize, len(chunks))
		records, err := p.embedBatch(ctx, chunks[start:end])
		if err != nil {
			cleanup()
			return counts, err
		}
		if err := p.vectors.Upsert(ctx, temp, records); err != nil {
			cleanup()
			return counts, err
		}
		counts.ChunksEmbedded += len(records)
		emit(ctx, progress, "embed", fmt.Sprintf("embedded %d/%d chunks", counts.ChunksEmbedded, len(chunks)))
	}

	emit(ctx, progress, "swap", "promoting new collection")
	if err := p.vectors.SwapFromTemp(ctx, temp); err != nil {
		cleanup()
		return counts, fmt.Errorf("failed to swap collections: %w", err)
	}

	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = chunks[i].ID
	}
	if err := p.store.MarkEmbedded(ctx, ids); err != nil {
		return counts, fmt.Errorf("failed to refresh embedded flags: %w", err)
	}
	return counts, nil
}
