// Package notify delivers alert notifications through a rate-limited
// outbound channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Sender transmits one rendered message to the downstream endpoint.
type Sender interface {
	Send(ctx context.Context, text string, highlight bool) error
}

// TelegramClient pushes messages through the Telegram Bot API.
type TelegramClient struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramClient constructs the Bot API client.
func NewTelegramClient(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramClient{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// Send calls the sendMessage API. Non-highlighted messages are delivered
// silently.
func (c *TelegramClient) Send(ctx context.Context, text string, highlight bool) error {
	payload := map[string]any{
		"chat_id":              c.chatID,
		"text":                 text,
		"disable_notification": !highlight,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// SendTabular uploads rows as a CSV document via sendDocument. Best effort
// companion to Send for report-style output.
func (c *TelegramClient) SendTabular(ctx context.Context, filename string, headers []string, rows [][]string) error {
	var doc bytes.Buffer
	doc.WriteString(strings.Join(headers, ","))
	doc.WriteByte('\n')
	for _, row := range rows {
		doc.WriteString(strings.Join(row, ","))
		doc.WriteByte('\n')
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", c.chatID); err != nil {
		return fmt.Errorf("write chat_id field: %w", err)
	}
	part, err := writer.CreateFormFile("document", filename)
	if err != nil {
		return fmt.Errorf("create document part: %w", err)
	}
	if _, err := io.Copy(part, &doc); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalise multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendDocument", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.do(req)
}

func (c *TelegramClient) do(req *http.Request) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}
	return nil
}

var _ Sender = (*TelegramClient)(nil)
