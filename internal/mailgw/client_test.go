package mailgw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
	return NewClient(ts, WithBaseURL(server.URL))
}

func TestListConversation(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/threads/conv1") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{
			"id": "conv1",
			"messages": [
				{"id": "m1", "threadId": "conv1", "subject": "RFQ for MAT-1001",
				 "from": "supplier@example.com", "snippet": "our offer",
				 "bodyChars": 420, "labelIds": ["INBOX"], "internalDate": "1704067200000"}
			]
		}`))
	}))

	msgs, err := c.ListConversation(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("ListConversation() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != "m1" || m.ConversationID != "conv1" {
		t.Errorf("message ids = (%q, %q), want (m1, conv1)", m.ID, m.ConversationID)
	}
	if m.ReceivedAt != 1704067200000 {
		t.Errorf("ReceivedAt = %d, want 1704067200000", m.ReceivedAt)
	}
	if !m.InFolder("INBOX") {
		t.Error("InFolder(INBOX) = false, want true")
	}
}

func TestListConversationNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	_, err := c.ListConversation(context.Background(), "missing")
	if err == nil {
		t.Fatal("ListConversation() error = nil, want NotFoundError")
	}
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("error type = %T, want *NotFoundError", err)
	}
}

func TestListFolderQuery(t *testing.T) {
	var gotQuery, gotLabel string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotLabel = r.URL.Query().Get("labelIds")
		w.Write([]byte(`{"messages": []}`))
	}))

	if _, err := c.ListFolder(context.Background(), "Quotes", "subject:RFQ"); err != nil {
		t.Fatalf("ListFolder() error = %v", err)
	}
	if gotQuery != "subject:RFQ" {
		t.Errorf("query = %q, want subject:RFQ", gotQuery)
	}
	if gotLabel != "Quotes" {
		t.Errorf("labelIds = %q, want Quotes", gotLabel)
	}
}

func TestSendDraft(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("method = %q, want POST", r.Method)
		}
		w.Write([]byte(`{"id": "sent1", "threadId": "conv9", "internalDate": "1704067260000"}`))
	}))

	sent, err := c.SendDraft(context.Background(), "draft1")
	if err != nil {
		t.Fatalf("SendDraft() error = %v", err)
	}
	if sent.ID != "sent1" || sent.ConversationID != "conv9" {
		t.Errorf("sent = %+v, want id=sent1 conv=conv9", sent)
	}
	if sent.SentAt != 1704067260000 {
		t.Errorf("SentAt = %d, want 1704067260000", sent.SentAt)
	}
}

func TestPermissionErrorNotRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"code":403,"message":"insufficient scope"}}`, http.StatusForbidden)
	}))

	if err := c.MoveMessage(context.Background(), "m1", "Quotes"); err == nil {
		t.Fatal("MoveMessage() error = nil, want permission error")
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1 (no retry on permission error)", calls)
	}
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want bool
	}{
		{"rateLimitExceeded", []byte(`{"error":{"errors":[{"reason":"rateLimitExceeded"}]}}`), true},
		{"upperCase", []byte(`{"error":{"details":[{"reason":"RATE_LIMIT_EXCEEDED"}]}}`), true},
		{"quotaMessage", []byte(`{"error":{"message":"Quota exceeded for metric"}}`), true},
		{"userRateLimit", []byte(`{"error":{"errors":[{"reason":"userRateLimitExceeded"}]}}`), true},
		{"permissionDenied", []byte(`{"error":{"errors":[{"reason":"forbidden"}]}}`), false},
		{"empty", []byte{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRateLimitError(tt.body); got != tt.want {
				t.Errorf("isRateLimitError() = %v, want %v", got, tt.want)
			}
		})
	}
}
