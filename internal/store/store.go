// Package store provides the durable sqlite-backed repository for messages,
// chunks, chats, settings and the operation log. The store is the source of
// truth; the vector store is derivable from it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/pkg/types"
)

// Store is the single authoritative repository. Writes are serialized by an
// in-process mutex; readers proceed in parallel with each other.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger logging.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	chat_id    INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	timestamp  INTEGER NOT NULL,
	sender     TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL,
	PRIMARY KEY (chat_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, timestamp);

CREATE TABLE IF NOT EXISTS chunks (
	id           TEXT PRIMARY KEY,
	chat_id      INTEGER NOT NULL,
	text         TEXT NOT NULL,
	content_hash TEXT NOT NULL UNIQUE,
	chat_name    TEXT NOT NULL DEFAULT '',
	participants TEXT NOT NULL DEFAULT '[]',
	start_ts     INTEGER NOT NULL,
	end_ts       INTEGER NOT NULL,
	embedded     INTEGER NOT NULL DEFAULT 0,
	version      INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_chunks_chat ON chunks(chat_id);
CREATE INDEX IF NOT EXISTS idx_chunks_pending ON chunks(embedded) WHERE embedded = 0;

CREATE TABLE IF NOT EXISTS chats (
	id            INTEGER PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	type          TEXT NOT NULL DEFAULT 'private',
	message_count INTEGER NOT NULL DEFAULT 0,
	included      INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	operation          TEXT NOT NULL,
	started_at         INTEGER NOT NULL,
	finished_at        INTEGER,
	status             TEXT NOT NULL,
	messages_fetched   INTEGER NOT NULL DEFAULT 0,
	messages_added     INTEGER NOT NULL DEFAULT 0,
	messages_duplicate INTEGER NOT NULL DEFAULT 0,
	messages_dropped   INTEGER NOT NULL DEFAULT 0,
	chunks_created     INTEGER NOT NULL DEFAULT 0,
	chunks_embedded    INTEGER NOT NULL DEFAULT 0,
	detail             TEXT NOT NULL DEFAULT ''
);
`

// Open opens (creating if needed) the database at path and initializes the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_sync=NORMAL&_busy_timeout=5000&_fk=1"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps sqlite's locking behavior predictable under
	// the one-writer discipline.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: logging.Default().WithComponent("store")}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a single transaction under the writer lock. The
// transaction fully commits or fully rolls back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InsertMessages inserts a batch of messages in one transaction. Duplicates
// on the (chat_id, message_id) natural key are counted and skipped silently.
// Message counts for the touched chats are refreshed in the same transaction.
func (s *Store) InsertMessages(ctx context.Context, msgs []types.Message) (inserted, duplicate int, err error) {
	if len(msgs) == 0 {
		return 0, 0, nil
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO messages (chat_id, message_id, timestamp, sender, text) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		touched := make(map[int64]bool)
		for i := range msgs {
			m := &msgs[i]
			if err := m.Validate(); err != nil {
				return err
			}
			res, err := stmt.ExecContext(ctx, m.ChatID, m.MessageID, m.Timestamp, m.Sender, m.Text)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				inserted++
				touched[m.ChatID] = true
			} else {
				duplicate++
			}
		}
		for chatID := range touched {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chats (id, message_count) VALUES (?, (SELECT COUNT(*) FROM messages WHERE chat_id = ?))
				 ON CONFLICT(id) DO UPDATE SET message_count = (SELECT COUNT(*) FROM messages WHERE chat_id = excluded.id)`,
				chatID, chatID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, duplicate, nil
}

// ListMessages returns the messages of a chat with timestamp > afterTS, in
// ascending timestamp order. Pass a negative afterTS for all messages.
func (s *Store) ListMessages(ctx context.Context, chatID, afterTS int64) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id, timestamp, sender, text FROM messages
		 WHERE chat_id = ? AND timestamp > ? ORDER BY timestamp ASC, message_id ASC`,
		chatID, afterTS)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]types.Message, error) {
	var out []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.Timestamp, &m.Sender, &m.Text); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ChatsWithPendingMessages returns, for each included chat, the timestamp of
// its last chunked message (or -1 when no chunks exist) when newer messages
// are present beyond that point.
func (s *Store) ChatsWithPendingMessages(ctx context.Context) (map[int64]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, COALESCE(k.ets, -1) FROM chats c
		 LEFT JOIN (SELECT chat_id, MAX(end_ts) AS ets FROM chunks GROUP BY chat_id) k ON k.chat_id = c.id
		 WHERE c.included = 1
		   AND EXISTS (SELECT 1 FROM messages m WHERE m.chat_id = c.id AND m.timestamp > COALESCE(k.ets, -1))`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]int64)
	for rows.Next() {
		var chatID, lastEnd int64
		if err := rows.Scan(&chatID, &lastEnd); err != nil {
			return nil, err
		}
		out[chatID] = lastEnd
	}
	return out, rows.Err()
}

// PendingMessageCount counts messages in included chats newer than the last
// chunk window of their chat.
func (s *Store) PendingMessageCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN chats c ON c.id = m.chat_id AND c.included = 1
		 LEFT JOIN (SELECT chat_id, MAX(end_ts) AS ets FROM chunks GROUP BY chat_id) k ON k.chat_id = m.chat_id
		 WHERE m.timestamp > COALESCE(k.ets, -1)`).Scan(&n)
	return n, err
}

// InsertChunks inserts chunks in one transaction, skipping duplicates by
// content hash. Returns the number actually inserted.
func (s *Store) InsertChunks(ctx context.Context, chunks []*types.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO chunks (id, chat_id, text, content_hash, chat_name, participants, start_ts, end_ts, embedded, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, c := range chunks {
			if err := c.Validate(); err != nil {
				return err
			}
			participants, err := json.Marshal(c.Metadata.Participants)
			if err != nil {
				return err
			}
			res, err := stmt.ExecContext(ctx, c.ID, c.ChatID, c.Text, c.ContentHash,
				c.Metadata.ChatName, string(participants), c.Metadata.StartTS, c.Metadata.EndTS, c.Version)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// MarkEmbedded flips the embedded flag for the given chunk IDs in one
// transaction.
func (s *Store) MarkEmbedded(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE chunks SET embedded = 1 WHERE id = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, id := range chunkIDs {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkAllUnembedded clears every embedded flag. Used when a reindex rebuilds
// the vector store from scratch.
func (s *Store) MarkAllUnembedded(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE chunks SET embedded = 0`)
		return err
	})
}

// ListPendingChunks returns chunks with embedded=false, oldest window first.
// A limit <= 0 returns all pending chunks.
func (s *Store) ListPendingChunks(ctx context.Context, limit int) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, chat_id, text, content_hash, chat_name, participants, start_ts, end_ts, embedded, version
	      FROM chunks WHERE embedded = 0 ORDER BY start_ts ASC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanChunks(rows)
}

// ListChunks returns every chunk, oldest window first. Reindex streams the
// whole corpus through this.
func (s *Store) ListChunks(ctx context.Context) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, text, content_hash, chat_name, participants, start_ts, end_ts, embedded, version
		 FROM chunks ORDER BY start_ts ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanChunks(rows)
}

// KnownHashes returns the content hashes of all live chunks of a chat.
func (s *Store) KnownHashes(ctx context.Context, chatID int64) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT content_hash FROM chunks WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}

func scanChunks(rows *sql.Rows) ([]types.Chunk, error) {
	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var participants string
		var embedded int
		if err := rows.Scan(&c.ID, &c.ChatID, &c.Text, &c.ContentHash, &c.Metadata.ChatName,
			&participants, &c.Metadata.StartTS, &c.Metadata.EndTS, &embedded, &c.Version); err != nil {
			return nil, err
		}
		c.Embedded = embedded != 0
		if err := json.Unmarshal([]byte(participants), &c.Metadata.Participants); err != nil {
			return nil, fmt.Errorf("corrupt participants for chunk %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertChat creates or updates chat metadata. The included flag of an
// existing chat is preserved.
func (s *Store) UpsertChat(ctx context.Context, chat *types.Chat) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, title, type, message_count, included) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET title = excluded.title, type = excluded.type`,
			chat.ID, chat.Title, string(chat.Type), chat.MessageCount, boolInt(chat.Included))
		return err
	})
}

// SetIncluded toggles the inclusion mask for a chat. Idempotent.
func (s *Store) SetIncluded(ctx context.Context, chatID int64, included bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE chats SET included = ? WHERE id = ?`, boolInt(included), chatID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ListChats returns all chats ordered by message count descending.
func (s *Store) ListChats(ctx context.Context) ([]types.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, type, message_count, included FROM chats ORDER BY message_count DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []types.Chat
	for rows.Next() {
		var c types.Chat
		var typ string
		var included int
		if err := rows.Scan(&c.ID, &c.Title, &typ, &c.MessageCount, &included); err != nil {
			return nil, err
		}
		c.Type = types.ChatType(typ)
		c.Included = included != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// IncludedChatIDs returns the inclusion mask.
func (s *Store) IncludedChatIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chats WHERE included = 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteChatResult reports the effects of a chat deletion. ChunkIDs lets the
// caller evict the chat's vectors.
type DeleteChatResult struct {
	MessagesDeleted int64    `json:"messages_deleted"`
	ChunksDeleted   int64    `json:"chunks_deleted"`
	ChunkIDs        []string `json:"-"`
}

// DeleteChat removes a chat with its messages and chunks in one transaction.
func (s *Store) DeleteChat(ctx context.Context, chatID int64) (*DeleteChatResult, error) {
	result := &DeleteChatResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE chat_id = ?`, chatID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			result.ChunkIDs = append(result.ChunkIDs, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID)
		if err != nil {
			return err
		}
		result.MessagesDeleted, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM chunks WHERE chat_id = ?`, chatID)
		if err != nil {
			return err
		}
		result.ChunksDeleted, _ = res.RowsAffected()

		_, err = tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Deleted chat", "chat_id", chatID,
		"messages", result.MessagesDeleted, "chunks", result.ChunksDeleted)
	return result, nil
}

// Stats returns corpus-level counters.
func (s *Store) Stats(ctx context.Context) (*types.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &types.Stats{}
	row := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM messages),
		       (SELECT COUNT(*) FROM chunks),
		       (SELECT COUNT(*) FROM chunks WHERE embedded = 1),
		       (SELECT COUNT(*) FROM chats),
		       (SELECT COUNT(*) FROM chats WHERE included = 1)`)
	if err := row.Scan(&st.MessageCount, &st.ChunkCount, &st.EmbeddedCount, &st.ChatCount, &st.IncludedChats); err != nil {
		return nil, err
	}

	var lastSync sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT finished_at FROM sync_log WHERE operation = 'sync' AND status = 'success' ORDER BY id DESC LIMIT 1`).
		Scan(&lastSync)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0).UTC()
		st.LastSync = &t
	}
	return st, nil
}

// PendingStats returns counts of work not yet pushed through the pipeline.
func (s *Store) PendingStats(ctx context.Context) (*types.PendingStats, error) {
	pendingMessages, err := s.PendingMessageCount(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var pendingChunks int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE embedded = 0`).Scan(&pendingChunks); err != nil {
		return nil, err
	}
	return &types.PendingStats{PendingMessages: pendingMessages, PendingChunks: pendingChunks}, nil
}

// AppendLog opens a new operation-log entry with status running and returns
// its ID.
func (s *Store) AppendLog(ctx context.Context, op types.Operation) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sync_log (operation, started_at, status) VALUES (?, ?, ?)`,
			string(op), time.Now().Unix(), string(types.StatusRunning))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UpdateLog finalizes an operation-log entry.
func (s *Store) UpdateLog(ctx context.Context, id int64, status types.OperationStatus, counts types.Counts, detail string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sync_log SET finished_at = ?, status = ?, messages_fetched = ?, messages_added = ?,
			 messages_duplicate = ?, messages_dropped = ?, chunks_created = ?, chunks_embedded = ?, detail = ?
			 WHERE id = ?`,
			time.Now().Unix(), string(status), counts.MessagesFetched, counts.MessagesAdded,
			counts.MessagesDuplicate, counts.MessagesDropped, counts.ChunksCreated, counts.ChunksEmbedded,
			normalizeDetail(detail), id)
		return err
	})
}

// TailLog returns the most recent log entries, newest first.
func (s *Store) TailLog(ctx context.Context, limit int) ([]types.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, started_at, finished_at, status, messages_fetched, messages_added,
		        messages_duplicate, messages_dropped, chunks_created, chunks_embedded, detail
		 FROM sync_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []types.LogEntry
	for rows.Next() {
		var e types.LogEntry
		var op, status string
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&e.ID, &op, &started, &finished, &status,
			&e.Counts.MessagesFetched, &e.Counts.MessagesAdded, &e.Counts.MessagesDuplicate,
			&e.Counts.MessagesDropped, &e.Counts.ChunksCreated, &e.Counts.ChunksEmbedded, &e.Detail); err != nil {
			return nil, err
		}
		e.Operation = types.Operation(op)
		e.Status = types.OperationStatus(status)
		e.StartedAt = time.Unix(started, 0).UTC()
		if finished.Valid {
			t := time.Unix(finished.Int64, 0).UTC()
			e.FinishedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// normalizeDetail trims failure detail to a bounded length for the log table.
func normalizeDetail(detail string) string {
	detail = strings.TrimSpace(detail)
	if len(detail) > 2000 {
		return detail[:2000]
	}
	return detail
}
