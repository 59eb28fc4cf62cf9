package lcm

import (
	"context"

	"github.com/martian-engineering/lcm/internal/lcmstore"
)

// Sequencer is C5: the thin orchestration wrapper over the store's
// context-item operations. It exists as a stable call surface so C6/C7
// never touch lcmstore's context item primitives directly.
type Sequencer struct {
	store *lcmstore.Store
}

// NewSequencer constructs a Sequencer bound to a store.
func NewSequencer(store *lcmstore.Store) *Sequencer {
	return &Sequencer{store: store}
}

// AppendMessage appends a message item at ordinal = current max + 1.
func (s *Sequencer) AppendMessage(ctx context.Context, conversationID, messageID int64) (int64, error) {
	return s.store.AppendMessageItem(ctx, conversationID, messageID)
}

// ReplaceRange atomically deletes [startOrdinal, endOrdinal] and inserts a
// single summary item at startOrdinal, renumbering all subsequent items to
// close the gap. It is the only operation that may delete message
// references from the context stream; the underlying messages remain in
// storage.
func (s *Sequencer) ReplaceRange(ctx context.Context, conversationID, startOrdinal, endOrdinal int64, summaryID string) error {
	return s.store.ReplaceRange(ctx, conversationID, startOrdinal, endOrdinal, summaryID)
}

// List returns the dense ordered context item view for a conversation.
func (s *Sequencer) List(ctx context.Context, conversationID int64) ([]lcmstore.ContextItem, error) {
	return s.store.List(ctx, conversationID)
}
