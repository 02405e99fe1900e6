// Package source abstracts where messages come from: a live connector bridge
// or a static JSON export. Provider authentication is delegated to the
// external bridge; LifeQuery only consumes (chat, message) tuples.
package source

import (
	"context"

	"github.com/nikira-studio/lifequery/pkg/types"
)

// Source yields messages in batches. Next returns an empty slice when the
// source is exhausted. Implementations must return messages in a stable
// order so repeated ingests are idempotent.
type Source interface {
	// Chats returns metadata of the chats this source covers.
	Chats(ctx context.Context) ([]types.Chat, error)

	// Next returns up to limit messages, or an empty slice when exhausted.
	Next(ctx context.Context, limit int) ([]types.Message, error)
}

// ConnectorStatus reports the state of the external message bridge.
type ConnectorStatus struct {
	Connected bool   `json:"connected"`
	Account   string `json:"account,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Connector is the opaque external message source. Authentication flows pass
// through verbatim; LifeQuery never sees provider credentials beyond the
// user-entered code.
type Connector interface {
	Status(ctx context.Context) (*ConnectorStatus, error)
	AuthStart(ctx context.Context, phone string) error
	AuthVerify(ctx context.Context, code, password string) error
	Disconnect(ctx context.Context) error

	// Open returns a live Source streaming messages newer than afterTS.
	Open(ctx context.Context, afterTS int64) (Source, error)
}
