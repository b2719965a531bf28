package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestClient wires a client and a signed-in session against handler.
func newTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) (*Client, *SessionManager) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	session, err := NewSessionManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	if err := session.SetToken("test-token", time.Now().Add(365*24*time.Hour).Unix()); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	opts = append([]ClientOption{WithBaseURL(srv.URL)}, opts...)
	return NewClient(session, opts...), session
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth, gotUA string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		writeJSON(t, w, map[string]any{"status": "ok"})
	}), WithUserAgent("conduit-test/1.0"))

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
	if gotUA != "conduit-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestClientUnauthorizedHardExpires(t *testing.T) {
	client, session := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	notified := false
	session.OnExpired(func() { notified = true })

	_, err := client.CreateConversation(context.Background(), "t")
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if !notified {
		t.Error("expiry subscriber not notified after 401")
	}
	if _, ok := session.CurrentToken(); ok {
		t.Error("stored token must be cleared after 401")
	}
}

func TestClientChat(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations/conv-1/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message != "hello" {
			t.Errorf("bad request body: %+v, %v", req, err)
		}
		writeJSON(t, w, chatResponse{Message: Message{
			ID: "msg-1", Role: RoleAssistant, Content: "hi!", CreatedAt: time.Now().UTC(),
		}})
	}))

	reply, err := client.Chat(context.Background(), "conv-1", "hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.ID != "msg-1" || reply.Role != RoleAssistant || reply.Content != "hi!" {
		t.Errorf("unexpected reply: %+v", reply)
	}

	t.Run("rejects empty text", func(t *testing.T) {
		if _, err := client.Chat(context.Background(), "conv-1", "  "); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("expected ErrEmptyMessage, got %v", err)
		}
	})
}

func TestClientListConversationsPagination(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("offset") {
		case "":
			writeJSON(t, w, listConversationsResponse{
				Conversations: []ConversationSummary{{ID: "conv-1"}, {ID: "conv-2"}},
				HasMore:       true,
			})
		case "2":
			writeJSON(t, w, listConversationsResponse{
				Conversations: []ConversationSummary{{ID: "conv-3"}},
			})
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	}))

	page, more, err := client.ListConversations(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(page) != 2 || !more {
		t.Fatalf("first page: %d items, more=%v", len(page), more)
	}

	page, more, err = client.ListConversations(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("ListConversations offset: %v", err)
	}
	if len(page) != 1 || more {
		t.Fatalf("second page: %d items, more=%v", len(page), more)
	}
}

func TestClientHTTPError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSON(t, w, map[string]any{"error": map[string]any{"message": "slow down"}})
	}))

	_, err := client.CreateConversation(context.Background(), "t")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Status != http.StatusTooManyRequests || httpErr.Message != "slow down" {
		t.Errorf("unexpected error: %+v", httpErr)
	}
}

func TestClientDeleteConversation(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/conversations/conv-1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		writeJSON(t, w, deleteConversationResponse{Deleted: true})
	}))

	deleted, err := client.DeleteConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if !deleted {
		t.Error("expected deleted=true")
	}
}

func TestClientRefresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
			t.Errorf("refresh must authenticate with the current token, got %q", got)
		}
		writeJSON(t, w, refreshResponse{Token: "fresh-token", ExpiresAt: time.Now().Add(time.Hour).Unix()})
	})
	client, _ := newTestClient(t, mux)

	tok, exp, err := client.Refresh(context.Background(), "stale-token")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok != "fresh-token" || exp == 0 {
		t.Errorf("unexpected refresh result: %q, %d", tok, exp)
	}
}

func TestClientRefreshRejection(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(fmt.Sprintf("%d", status), func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			_, _, err := client.Refresh(context.Background(), "revoked")
			if !errors.Is(err, ErrAuthExpired) {
				t.Errorf("status %d: expected ErrAuthExpired, got %v", status, err)
			}
		})
	}
}
