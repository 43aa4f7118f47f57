package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

// EmailSender sends one rendered email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// EmailClient talks to a transactional email HTTP API.
type EmailClient struct {
	Host  string
	Token string
	From  string
	HTTP  *http.Client
}

var _ EmailSender = (*EmailClient)(nil)

type emailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (c *EmailClient) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(emailRequest{
		From:    c.From,
		To:      to,
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/email", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("email send failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email send failed: %s", resp.Status)
	}
	return nil
}
