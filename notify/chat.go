package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// ChatSender posts one rendered message to a chat channel.
type ChatSender interface {
	PostMessage(ctx context.Context, token, channel, text string) error
}

// SlackClient posts messages via chat.postMessage with a per-integration
// bearer token.
type SlackClient struct {
	Host string // defaults to https://slack.com/api
	HTTP *http.Client
}

var _ ChatSender = (*SlackClient)(nil)

type chatPostMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type chatPostMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *SlackClient) PostMessage(ctx context.Context, token, channel, text string) error {
	host := c.Host
	if host == "" {
		host = "https://slack.com/api"
	}

	payload, err := json.Marshal(chatPostMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("chat post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat post failed: %s", resp.Status)
	}

	var res chatPostMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("failed to decode chat response: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("chat post rejected: %s", res.Error)
	}
	return nil
}
