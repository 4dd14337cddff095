package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Telegram sends messages through the bot sendMessage endpoint.
type Telegram struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewTelegram constructs the client for the given bot token.
func NewTelegram(token string) *Telegram {
	return &Telegram{
		token:   token,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

var _ Notifier = (*Telegram)(nil)

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send posts one message to the chat identified by recipient.
func (t *Telegram) Send(ctx context.Context, recipient, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: recipient, Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram http %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
