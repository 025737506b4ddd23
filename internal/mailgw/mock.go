package mailgw

import (
	"context"
	"fmt"
	"sync"
)

// MockGateway is a mock implementation of the Gateway for testing.
type MockGateway struct {
	mu sync.Mutex

	// Conversations indexed by conversation ID
	Conversations map[string][]*Message

	// Folders to return from ListFolders
	Folders []*Folder

	// FolderMessages indexed by folder ID
	FolderMessages map[string][]*Message

	// Drafts indexed by draft ID; SendDraft returns the mapped SentMessage
	Drafts map[string]*SentMessage

	// Error injection
	ConversationError map[string]error // Per-conversation errors
	FoldersError      error
	FolderError       map[string]error // Per-folder errors
	SendError         map[string]error // Per-draft errors
	MoveError         error
	LabelError        error

	// Call tracking for assertions
	ConversationCalls []string
	FoldersCalls      int
	FolderCalls       []string
	LastFolderQuery   string
	SendCalls         []string
	MoveCalls         [][2]string // [messageID, folderID]
	LabelCalls        [][2]string // [messageID, label]
}

// NewMockGateway creates a new mock gateway with empty state.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Conversations:     make(map[string][]*Message),
		FolderMessages:    make(map[string][]*Message),
		Drafts:            make(map[string]*SentMessage),
		ConversationError: make(map[string]error),
		FolderError:       make(map[string]error),
		SendError:         make(map[string]error),
	}
}

// ListConversation returns the mock conversation.
func (m *MockGateway) ListConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConversationCalls = append(m.ConversationCalls, conversationID)

	if err := m.ConversationError[conversationID]; err != nil {
		return nil, err
	}
	return m.Conversations[conversationID], nil
}

// ListConversationsBatch fetches multiple conversations.
// Mirrors the real Client behavior: individual fetch errors leave a nil
// entry in the results slice rather than failing the batch.
func (m *MockGateway) ListConversationsBatch(ctx context.Context, conversationIDs []string) ([][]*Message, error) {
	results := make([][]*Message, len(conversationIDs))
	for i, id := range conversationIDs {
		msgs, err := m.ListConversation(ctx, id)
		if err != nil {
			continue
		}
		results[i] = msgs
	}
	return results, nil
}

// ListFolders returns the mock folders.
func (m *MockGateway) ListFolders(ctx context.Context) ([]*Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FoldersCalls++

	if m.FoldersError != nil {
		return nil, m.FoldersError
	}
	if m.Folders == nil {
		return []*Folder{
			{ID: "INBOX", Name: "INBOX", Type: "system"},
			{ID: "SENT", Name: "SENT", Type: "system"},
		}, nil
	}
	return m.Folders, nil
}

// ListFolder returns mock messages for a folder.
func (m *MockGateway) ListFolder(ctx context.Context, folderID, query string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FolderCalls = append(m.FolderCalls, folderID)
	m.LastFolderQuery = query

	if err := m.FolderError[folderID]; err != nil {
		return nil, err
	}
	return m.FolderMessages[folderID], nil
}

// SendDraft returns the configured SentMessage for the draft.
func (m *MockGateway) SendDraft(ctx context.Context, draftID string) (*SentMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendCalls = append(m.SendCalls, draftID)

	if err := m.SendError[draftID]; err != nil {
		return nil, err
	}

	sent, ok := m.Drafts[draftID]
	if !ok {
		return nil, &NotFoundError{Path: "/drafts/" + draftID}
	}
	return sent, nil
}

// MoveMessage records a move call.
func (m *MockGateway) MoveMessage(ctx context.Context, messageID, folderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MoveCalls = append(m.MoveCalls, [2]string{messageID, folderID})
	return m.MoveError
}

// ApplyLabel records a label call.
func (m *MockGateway) ApplyLabel(ctx context.Context, messageID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LabelCalls = append(m.LabelCalls, [2]string{messageID, label})
	return m.LabelError
}

// Close is a no-op for the mock.
func (m *MockGateway) Close() error {
	return nil
}

// AddConversation registers messages under a conversation ID, stamping the
// conversation ID onto each message.
func (m *MockGateway) AddConversation(conversationID string, msgs ...*Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		msg.ConversationID = conversationID
		m.Conversations[conversationID] = append(m.Conversations[conversationID], msg)
	}
}

// AddFolderMessage places a message in a folder listing and records the
// folder on the message.
func (m *MockGateway) AddFolderMessage(folderID string, msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !msg.InFolder(folderID) {
		msg.FolderIDs = append(msg.FolderIDs, folderID)
	}
	m.FolderMessages[folderID] = append(m.FolderMessages[folderID], msg)
}

// AddDraft registers a sendable draft.
func (m *MockGateway) AddDraft(draftID string, sent *SentMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sent == nil {
		sent = &SentMessage{
			ID:             "sent_" + draftID,
			ConversationID: "conv_" + draftID,
		}
	}
	m.Drafts[draftID] = sent
}

// Reset clears all state and call tracking.
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Conversations = make(map[string][]*Message)
	m.Folders = nil
	m.FolderMessages = make(map[string][]*Message)
	m.Drafts = make(map[string]*SentMessage)
	m.ConversationError = make(map[string]error)
	m.FoldersError = nil
	m.FolderError = make(map[string]error)
	m.SendError = make(map[string]error)
	m.MoveError = nil
	m.LabelError = nil

	m.ConversationCalls = nil
	m.FoldersCalls = 0
	m.FolderCalls = nil
	m.LastFolderQuery = ""
	m.SendCalls = nil
	m.MoveCalls = nil
	m.LabelCalls = nil
}

// FolderCallCount returns how many times a folder was listed.
func (m *MockGateway) FolderCallCount(folderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.FolderCalls {
		if id == folderID {
			n++
		}
	}
	return n
}

// Ensure MockGateway implements Gateway interface.
var _ Gateway = (*MockGateway)(nil)

// String implements fmt.Stringer for debugging test failures.
func (m *MockGateway) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("MockGateway{conversations: %d, folders: %d, sends: %d}",
		len(m.Conversations), len(m.FolderMessages), len(m.SendCalls))
}
