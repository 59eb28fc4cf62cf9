package lcm_test

import (
	"context"
	"testing"

	"github.com/martian-engineering/lcm/internal/lcmstore"
)

func newCtx() context.Context {
	return context.Background()
}

func openTestStore(t *testing.T) *lcmstore.Store {
	t.Helper()
	store, err := lcmstore.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustConversation(t *testing.T, store *lcmstore.Store, sessionID string) lcmstore.Conversation {
	t.Helper()
	conv, err := store.GetOrCreateConversation(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get or create conversation: %v", err)
	}
	return conv
}

func mustAppendMessage(t *testing.T, store *lcmstore.Store, conversationID int64, role, content string) lcmstore.Message {
	t.Helper()
	msg, err := store.AppendMessage(context.Background(), conversationID, role, content)
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	if _, err := store.AppendMessageItem(context.Background(), conversationID, msg.MessageID); err != nil {
		t.Fatalf("append message item: %v", err)
	}
	return msg
}
