// Package types provides core data structures and type definitions
// for LifeQuery, including messages, chunks, chats and operation logs.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChunkVersion is the current chunk schema version. The version covers the
// chunking algorithm and the token estimator; a change to either bumps it.
const ChunkVersion = 1

// Message is a single message from the source. (ChatID, MessageID) is the
// natural key; messages are immutable after insert.
type Message struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
}

// Validate checks that the message carries its natural key.
func (m *Message) Validate() error {
	if m.ChatID == 0 {
		return errors.New("message chat_id is required")
	}
	if m.MessageID == 0 {
		return errors.New("message message_id is required")
	}
	return nil
}

// ChatType categorizes a chat.
type ChatType string

const (
	// ChatTypePrivate is a one-to-one conversation
	ChatTypePrivate ChatType = "private"
	// ChatTypeGroup is a multi-participant group
	ChatTypeGroup ChatType = "group"
	// ChatTypeChannel is a broadcast channel
	ChatTypeChannel ChatType = "channel"
)

// Valid returns true if the chat type is known.
func (ct ChatType) Valid() bool {
	switch ct {
	case ChatTypePrivate, ChatTypeGroup, ChatTypeChannel:
		return true
	}
	return false
}

// Chat is the per-conversation metadata row.
type Chat struct {
	ID           int64    `json:"id"`
	Title        string   `json:"title"`
	Type         ChatType `json:"type"`
	MessageCount int64    `json:"message_count"`
	Included     bool     `json:"included"`
}

// ChunkMetadata carries the query-facing projection of a chunk.
type ChunkMetadata struct {
	ChatName     string   `json:"chat_name"`
	Participants []string `json:"participants"`
	StartTS      int64    `json:"start_ts"`
	EndTS        int64    `json:"end_ts"`
}

// Chunk is a time-window-grouped text block derived from messages, the unit
// of embedding and retrieval. Chunks are replaced, never updated in place.
type Chunk struct {
	ID          string        `json:"id"`
	ChatID      int64         `json:"chat_id"`
	Text        string        `json:"text"`
	ContentHash string        `json:"content_hash"`
	Metadata    ChunkMetadata `json:"metadata"`
	Embedded    bool          `json:"embedded"`
	Version     int           `json:"version"`
}

// NewChunk builds a chunk with a fresh ID and the content hash computed from
// the normalized text.
func NewChunk(chatID int64, text string, meta ChunkMetadata) *Chunk {
	return &Chunk{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		Text:        text,
		ContentHash: ContentHash(text),
		Metadata:    meta,
		Version:     ChunkVersion,
	}
}

// Validate checks chunk invariants.
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk id is required")
	}
	if c.ChatID == 0 {
		return errors.New("chunk chat_id is required")
	}
	if c.Text == "" {
		return errors.New("chunk text is required")
	}
	if c.Metadata.StartTS > c.Metadata.EndTS {
		return errors.New("chunk start_ts must not exceed end_ts")
	}
	return nil
}

// ContentHash returns the stable hash of the normalized chunk text. All
// whitespace runs collapse to a single space so that formatting differences
// do not defeat deduplication.
func ContentHash(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// VectorRecord is the chunk projection stored alongside its embedding.
type VectorRecord struct {
	ChunkID      string    `json:"chunk_id"`
	Embedding    []float32 `json:"-"`
	ChatID       int64     `json:"chat_id"`
	ChatName     string    `json:"chat_name"`
	StartTS      int64     `json:"start_ts"`
	EndTS        int64     `json:"end_ts"`
	Participants []string  `json:"participants"`
	Excerpt      string    `json:"excerpt"`
	Text         string    `json:"text,omitempty"`
	Score        float64   `json:"score,omitempty"`
}

// Operation identifies a background task kind. At most one task per kind
// runs at a time.
type Operation string

const (
	// OperationSync pulls new messages from the live source
	OperationSync Operation = "sync"
	// OperationImport ingests a static export file
	OperationImport Operation = "import"
	// OperationReindex re-embeds all chunks into a fresh collection
	OperationReindex Operation = "reindex"
	// OperationProcess chunks and embeds already-persisted messages
	OperationProcess Operation = "process"
)

// Valid returns true if the operation kind is known.
func (o Operation) Valid() bool {
	switch o {
	case OperationSync, OperationImport, OperationReindex, OperationProcess:
		return true
	}
	return false
}

// OperationStatus is the terminal (or running) state of a logged operation.
type OperationStatus string

const (
	// StatusRunning marks an operation still in flight
	StatusRunning OperationStatus = "running"
	// StatusSuccess marks a completed operation
	StatusSuccess OperationStatus = "success"
	// StatusError marks a failed operation
	StatusError OperationStatus = "error"
	// StatusCancelled marks an operation stopped by the caller
	StatusCancelled OperationStatus = "cancelled"
)

// Counts aggregates the effects of one ingest run.
type Counts struct {
	MessagesFetched   int `json:"messages_fetched"`
	MessagesAdded     int `json:"messages_added"`
	MessagesDuplicate int `json:"messages_duplicate"`
	MessagesDropped   int `json:"messages_dropped"`
	ChunksCreated     int `json:"chunks_created"`
	ChunksEmbedded    int `json:"chunks_embedded"`
}

// LogEntry is one row of the operation log.
type LogEntry struct {
	ID         int64           `json:"id"`
	Operation  Operation       `json:"operation"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Status     OperationStatus `json:"status"`
	Counts     Counts          `json:"counts"`
	Detail     string          `json:"detail,omitempty"`
}

// Progress is one ingest progress event.
type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Stats summarizes the persisted corpus.
type Stats struct {
	MessageCount  int64      `json:"message_count"`
	ChunkCount    int64      `json:"chunk_count"`
	EmbeddedCount int64      `json:"embedded_count"`
	ChatCount     int64      `json:"chat_count"`
	IncludedChats int64      `json:"included_chats"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
}

// PendingStats summarizes work not yet pushed through the pipeline.
type PendingStats struct {
	PendingMessages int64 `json:"pending_messages"`
	PendingChunks   int64 `json:"pending_chunks"`
}

// Citation points a chat answer back at a source chunk.
type Citation struct {
	ChunkID  string `json:"chunk_id"`
	ChatName string `json:"chat_name"`
	StartTS  int64  `json:"start_ts"`
	EndTS    int64  `json:"end_ts"`
	Excerpt  string `json:"excerpt"`
}

// ChatMessage is one turn of a conversation with the assistant.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
