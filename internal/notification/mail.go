package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// MailSender отправляет события уведомлений во внешний почтовый шлюз по HTTP.
type MailSender struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewMailSender создаёт HTTP-клиент почтового шлюза по указанному адресу.
func NewMailSender(baseURL string) *MailSender {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	client.HTTPClient.Timeout = 5 * time.Second

	return &MailSender{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Send передаёт событие почтовому шлюзу.
func (s *MailSender) Send(ctx context.Context, event Event) error {
	if s == nil || s.baseURL == "" {
		return fmt.Errorf("mail sender not configured")
	}

	base := s.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/send", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// Close реализует Sender; почтовому клиенту закрывать нечего.
func (s *MailSender) Close() error {
	return nil
}
