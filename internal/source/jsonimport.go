package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/nikira-studio/lifequery/pkg/types"
)

// exportFile is the accepted JSON export shape.
type exportFile struct {
	Chats []exportChat `json:"chats"`
}

type exportChat struct {
	ID       int64           `json:"id"`
	Title    string          `json:"title"`
	Type     string          `json:"type"`
	Messages []exportMessage `json:"messages"`
}

type exportMessage struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
}

// JSONSource is a static Source over a decoded JSON export.
type JSONSource struct {
	chats    []types.Chat
	messages []types.Message
	pos      int
}

// NewJSONSource validates and decodes an export stream. The whole document is
// decoded up front so a malformed file is rejected before any write happens.
func NewJSONSource(r io.Reader) (*JSONSource, error) {
	var export exportFile
	dec := json.NewDecoder(r)
	if err := dec.Decode(&export); err != nil {
		return nil, fmt.Errorf("invalid export JSON: %w", err)
	}
	if len(export.Chats) == 0 {
		return nil, fmt.Errorf("export contains no chats")
	}

	s := &JSONSource{}
	for _, c := range export.Chats {
		if c.ID == 0 {
			return nil, fmt.Errorf("export chat without id")
		}
		chatType := types.ChatType(c.Type)
		if !chatType.Valid() {
			chatType = types.ChatTypePrivate
		}
		s.chats = append(s.chats, types.Chat{
			ID:       c.ID,
			Title:    c.Title,
			Type:     chatType,
			Included: true,
		})
		for _, m := range c.Messages {
			if m.ID == 0 {
				return nil, fmt.Errorf("chat %d: message without id", c.ID)
			}
			s.messages = append(s.messages, types.Message{
				ChatID:    c.ID,
				MessageID: m.ID,
				Timestamp: m.Timestamp,
				Sender:    m.Sender,
				Text:      m.Text,
			})
		}
	}

	// Chronological order per chat keeps the chunker's window rules valid.
	sort.SliceStable(s.messages, func(i, j int) bool {
		a, b := s.messages[i], s.messages[j]
		if a.ChatID != b.ChatID {
			return a.ChatID < b.ChatID
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.MessageID < b.MessageID
	})
	return s, nil
}

// NewJSONSourceFromPath opens and decodes a server-local export file.
func NewJSONSourceFromPath(path string) (*JSONSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open export file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return NewJSONSource(f)
}

// Chats implements Source.
func (s *JSONSource) Chats(_ context.Context) ([]types.Chat, error) {
	return s.chats, nil
}

// Next implements Source.
func (s *JSONSource) Next(ctx context.Context, limit int) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	if s.pos >= len(s.messages) {
		return nil, nil
	}
	end := s.pos + limit
	if end > len(s.messages) {
		end = len(s.messages)
	}
	batch := s.messages[s.pos:end]
	s.pos = end
	return batch, nil
}
