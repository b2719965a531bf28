package conduit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// doneSentinel terminates a chat stream in place of a JSON event.
const doneSentinel = "[DONE]"

// StreamEvent is one server-sent event of a streaming chat response.
// Content, when present on the terminal event, is the authoritative full
// text; otherwise the concatenated deltas are.
type StreamEvent struct {
	Delta     string `json:"delta"`
	Done      bool   `json:"done"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// ChatStream sends text and consumes the assistant's reply incrementally.
// onDelta, if non-nil, receives each content fragment as it arrives.
//
// The assembled message is returned only once a terminal event (done:true
// or the [DONE] sentinel) arrives. Cancelling ctx closes the byte stream
// and stops consumption; a cancelled stream returns an error and commits
// nothing, so a half-written reply is never mistaken for a delivered one.
func (c *Client) ChatStream(ctx context.Context, conversationID, text string, onDelta func(string)) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	token, err := c.session.ValidToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(chatRequest{Message: text})
	if err != nil {
		return nil, &DecodeError{Source: "chat stream", Err: err}
	}

	u := c.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) + "/chat/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.session.HandleUnauthorized()
		return nil, ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return nil, &HTTPError{Status: resp.StatusCode, Message: errorMessage(data)}
	}

	var (
		content   strings.Builder
		messageID string
		full      string
		terminal  bool
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue // keep-alive comment or event separator
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == doneSentinel {
			terminal = true
			break
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // tolerate malformed event lines
		}
		if ev.Delta != "" {
			content.WriteString(ev.Delta)
			if onDelta != nil {
				onDelta(ev.Delta)
			}
		}
		if ev.MessageID != "" {
			messageID = ev.MessageID
		}
		if ev.Done {
			full = ev.Content
			terminal = true
			break
		}
	}

	if !terminal {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("chat stream: %w", err)
		}
		return nil, fmt.Errorf("chat stream ended before completion")
	}

	if full == "" {
		full = content.String()
	}
	return &Message{
		ID:        messageID,
		Role:      RoleAssistant,
		Content:   full,
		CreatedAt: time.Now().UTC(),
	}, nil
}
