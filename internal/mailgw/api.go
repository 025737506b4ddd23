// Package mailgw provides a mail provider gateway with rate limiting and retry logic.
package mailgw

import (
	"context"
	"time"
)

// ConversationReader provides read access to conversation threads.
type ConversationReader interface {
	// ListConversation returns all messages in a conversation, oldest first.
	ListConversation(ctx context.Context, conversationID string) ([]*Message, error)

	// ListConversationsBatch fetches multiple conversations in parallel with
	// rate limiting. Returns results in the same order as input IDs. A failed
	// fetch leaves a nil entry rather than failing the batch.
	ListConversationsBatch(ctx context.Context, conversationIDs []string) ([][]*Message, error)
}

// FolderReader provides read access to mailbox folders.
type FolderReader interface {
	// ListFolders returns all folders for the account.
	ListFolders(ctx context.Context) ([]*Folder, error)

	// ListFolder returns messages in a folder matching the query.
	// An empty query returns the most recent messages.
	ListFolder(ctx context.Context, folderID, query string) ([]*Message, error)
}

// MessageWriter provides write operations for drafts and messages.
type MessageWriter interface {
	// SendDraft sends a previously composed draft.
	SendDraft(ctx context.Context, draftID string) (*SentMessage, error)

	// MoveMessage moves a message into the given folder.
	MoveMessage(ctx context.Context, messageID, folderID string) error

	// ApplyLabel attaches a label to a message.
	ApplyLabel(ctx context.Context, messageID, label string) error
}

// Gateway defines the interface for mail provider operations.
// This interface enables mocking for tests without hitting the real API.
type Gateway interface {
	ConversationReader
	FolderReader
	MessageWriter

	// Close releases any resources held by the gateway.
	Close() error
}

// Message is a message fetched from the mailbox. Optional provider fields
// map to zero values: a message without thread linkage has an empty
// ConversationID, one not yet delivered to a folder has empty FolderIDs.
type Message struct {
	ID             string
	ConversationID string
	Subject        string
	From           string
	Snippet        string   // body excerpt used for classification
	BodyChars      int      // total body length in characters
	FolderIDs      []string // folders/labels currently containing the message
	ReceivedAt     int64    // Unix milliseconds
}

// Received returns the delivery time of the message.
func (m *Message) Received() time.Time {
	return time.UnixMilli(m.ReceivedAt)
}

// InFolder reports whether the message currently sits in the given folder.
func (m *Message) InFolder(folderID string) bool {
	for _, id := range m.FolderIDs {
		if id == folderID {
			return true
		}
	}
	return false
}

// Folder represents a mailbox folder or label.
type Folder struct {
	ID            string
	Name          string
	Type          string // "system" or "user"
	MessagesTotal int64
}

// SentMessage is the provider's confirmation of a sent draft.
type SentMessage struct {
	ID             string
	ConversationID string
	SentAt         int64 // Unix milliseconds
}
